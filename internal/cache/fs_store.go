package cache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/natefinch/atomic"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/mediahub/internal/logging"
)

// scratchDirName 是暂存目录名，与分区目录位于同一根目录下以保证 rename 不跨文件系统。
const scratchDirName = "tmp"

// Options 控制磁盘缓存的容量上限与淘汰策略。
type Options struct {
	MaxBytes int64
	Policy   string
	Logger   *logrus.Logger
}

// NewStore 以 basePath 为根目录构建磁盘缓存，并按文件修改时间回放已有条目。
func NewStore(basePath string, opts Options) (Store, error) {
	if basePath == "" {
		return nil, errors.New("cache dir required")
	}
	if opts.MaxBytes <= 0 {
		return nil, errors.New("max cache size must be positive")
	}

	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("resolve cache dir: %w", err)
	}

	scratch := filepath.Join(abs, scratchDirName)
	if err := os.RemoveAll(scratch); err != nil {
		return nil, fmt.Errorf("clean scratch dir: %w", err)
	}
	if err := os.MkdirAll(scratch, 0o755); err != nil {
		return nil, fmt.Errorf("create scratch dir: %w", err)
	}

	s := &fileStore{
		scratch:    scratch,
		maxBytes:   opts.MaxBytes,
		logger:     logging.OrDiscard(opts.Logger),
		partitions: make(map[Namespace]*partition),
	}

	for _, ns := range Namespaces() {
		policy, err := NewPolicy(opts.Policy)
		if err != nil {
			return nil, err
		}
		p := &partition{
			ns:     ns,
			dir:    filepath.Join(abs, string(ns)),
			files:  make(map[string]int64),
			policy: policy,
		}
		if err := os.MkdirAll(p.dir, 0o755); err != nil {
			return nil, fmt.Errorf("create partition %s: %w", ns, err)
		}
		files, err := scanPartition(p.dir)
		if err != nil {
			return nil, err
		}
		for _, f := range files {
			p.files[f.name] = f.size
			p.used += f.size
		}
		seedPolicy(policy, files)
		s.partitions[ns] = p
	}

	return s, nil
}

// fileStore 每个分区一把互斥锁，串行化同分区内的提交与淘汰，保证容量统计一致。
type fileStore struct {
	scratch  string
	maxBytes int64
	logger   *logrus.Logger

	partitions map[Namespace]*partition
}

type partition struct {
	ns  Namespace
	dir string

	mu     sync.Mutex
	used   int64
	files  map[string]int64
	policy Policy
}

func (s *fileStore) Lookup(ctx context.Context, key Key) (*Entry, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	p, err := s.partition(key)
	if err != nil {
		return nil, err
	}

	matches, err := filepath.Glob(filepath.Join(p.dir, key.Digest+".*"))
	if err != nil {
		return nil, err
	}
	sort.Strings(matches)

	for _, match := range matches {
		name := filepath.Base(match)
		if strings.HasPrefix(name, ".") {
			continue
		}
		info, err := os.Stat(match)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, err
		}
		if !info.Mode().IsRegular() {
			continue
		}
		p.policy.OnAccess(name)
		return &Entry{
			Key:       key,
			FilePath:  match,
			SizeBytes: info.Size(),
			Extension: strings.TrimPrefix(filepath.Ext(name), "."),
			ModTime:   info.ModTime(),
		}, nil
	}
	return nil, ErrNotFound
}

func (s *fileStore) Commit(ctx context.Context, tempPath string, key Key, ext string) (*Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p, err := s.partition(key)
	if err != nil {
		return nil, err
	}
	ext = NormalizeExtension(ext)

	info, err := os.Stat(tempPath)
	if err != nil {
		return nil, fmt.Errorf("stat download: %w", err)
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("download %s is not a regular file", tempPath)
	}
	size := info.Size()

	finalName := key.Digest + "." + ext
	finalPath := filepath.Join(p.dir, finalName)

	p.mu.Lock()
	defer p.mu.Unlock()

	// 外部清理可能已删除文件，按磁盘实际内容计算淘汰。
	if err := p.reconcile(); err != nil {
		return nil, err
	}
	if err := p.dropKey(key.Digest, finalName); err != nil {
		return nil, err
	}

	victims := p.policy.Victims(p.used+size, s.maxBytes)
	if err := s.evict(p, victims); err != nil {
		return nil, err
	}

	if err := moveInto(tempPath, finalPath); err != nil {
		return nil, fmt.Errorf("commit %s: %w", key, err)
	}

	now := time.Now()
	if err := os.Chtimes(finalPath, now, now); err != nil {
		s.logger.WithError(err).WithFields(logging.FetchFields("cache_commit", key.Digest, string(key.Namespace), "")).
			Warn("cache_chtimes_failed")
	}

	p.files[finalName] = size
	p.used += size
	p.policy.OnAdd(finalName, size)

	fields := logging.FetchFields("cache_commit", key.Digest, string(key.Namespace), "")
	fields["bytes"] = size
	fields["partition_bytes"] = p.used
	s.logger.WithFields(fields).Debugf("cached %s, partition at %s", logging.Bytes(size), logging.Bytes(p.used))

	return &Entry{
		Key:       key,
		FilePath:  finalPath,
		SizeBytes: size,
		Extension: ext,
		ModTime:   now,
	}, nil
}

func (s *fileStore) EnforceSizeBound(ctx context.Context, ns Namespace) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p, ok := s.partitions[ns]
	if !ok {
		return fmt.Errorf("%w: namespace %q", ErrInvalidKey, ns)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.reconcile(); err != nil {
		return err
	}
	return s.evict(p, p.policy.Victims(p.used, s.maxBytes))
}

func (s *fileStore) TotalBytes(ns Namespace) int64 {
	p, ok := s.partitions[ns]
	if !ok {
		return 0
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.used
}

func (s *fileStore) Stats() []PartitionStats {
	stats := make([]PartitionStats, 0, len(s.partitions))
	for _, ns := range Namespaces() {
		p := s.partitions[ns]
		p.mu.Lock()
		if err := p.reconcile(); err != nil {
			s.logger.WithError(err).WithField("namespace", string(ns)).Warn("cache_reconcile_failed")
		}
		stats = append(stats, PartitionStats{
			Namespace: ns,
			Entries:   len(p.files),
			Bytes:     p.used,
			MaxBytes:  s.maxBytes,
			Policy:    p.policy.Name(),
		})
		p.mu.Unlock()
	}
	return stats
}

func (s *fileStore) ScratchDir() string {
	return s.scratch
}

func (s *fileStore) partition(key Key) (*partition, error) {
	p, ok := s.partitions[key.Namespace]
	if !ok {
		return nil, fmt.Errorf("%w: namespace %q", ErrInvalidKey, key.Namespace)
	}
	if !validDigest(key.Digest) {
		return nil, fmt.Errorf("%w: digest %q", ErrInvalidKey, key.Digest)
	}
	return p, nil
}

// evict 删除文件后才更新索引；删除失败直接返回，不吞掉文件系统错误。
func (s *fileStore) evict(p *partition, victims []Victim) error {
	if len(victims) == 0 {
		return nil
	}

	var freed int64
	for _, victim := range victims {
		err := os.Remove(filepath.Join(p.dir, victim.Name))
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("evict %s/%s: %w", p.ns, victim.Name, err)
		}
		p.forget(victim.Name)
		freed += victim.Size
	}

	s.logger.WithFields(logrus.Fields{
		"action":    "cache_evict",
		"namespace": string(p.ns),
		"policy":    p.policy.Name(),
		"victims":   len(victims),
		"freed":     freed,
		"remaining": p.used,
	}).Infof("evicted %d entries (%s)", len(victims), logging.Bytes(freed))
	return nil
}

// moveInto 通过 rename 发布文件；暂存文件位于其它文件系统时，先复制为分区内的隐藏临时文件再 rename，
// 任何时刻最终文件名下都不会出现未写完的内容。
func moveInto(source, finalPath string) error {
	err := atomic.ReplaceFile(source, finalPath)
	if err == nil || !errors.Is(err, syscall.EXDEV) {
		return err
	}

	src, err := os.Open(source)
	if err != nil {
		return err
	}
	defer src.Close()

	staged, err := os.CreateTemp(filepath.Dir(finalPath), ".commit-*")
	if err != nil {
		return err
	}
	stagedName := staged.Name()
	_, copyErr := io.Copy(staged, src)
	closeErr := staged.Close()
	if copyErr == nil {
		copyErr = closeErr
	}
	if copyErr == nil {
		copyErr = atomic.ReplaceFile(stagedName, finalPath)
	}
	if copyErr != nil {
		os.Remove(stagedName)
		return copyErr
	}
	return os.Remove(source)
}

// dropKey 删除同一摘要下其它扩展名的旧文件；与 keep 同名的文件留给 rename 原子覆盖。
// 调用方需持有 p.mu。
func (p *partition) dropKey(digest, keep string) error {
	matches, err := filepath.Glob(filepath.Join(p.dir, digest+".*"))
	if err != nil {
		return err
	}
	for _, match := range matches {
		name := filepath.Base(match)
		if name != keep {
			if err := os.Remove(match); err != nil && !errors.Is(err, fs.ErrNotExist) {
				return fmt.Errorf("replace %s/%s: %w", p.ns, name, err)
			}
		}
		p.forget(name)
	}
	return nil
}

func (p *partition) forget(name string) {
	if size, ok := p.files[name]; ok {
		p.used -= size
		delete(p.files, name)
	}
	p.policy.Remove(name)
}

// reconcile 以磁盘为准刷新索引，清理外部删除留下的悬空条目，调用方需持有 p.mu。
func (p *partition) reconcile() error {
	files, err := scanPartition(p.dir)
	if err != nil {
		return err
	}
	onDisk := make(map[string]seedFile, len(files))
	for _, f := range files {
		onDisk[f.name] = f
	}
	for name := range p.files {
		if _, ok := onDisk[name]; !ok {
			p.forget(name)
		}
	}
	var added []seedFile
	for _, f := range files {
		if size, ok := p.files[f.name]; ok {
			if size != f.size {
				p.used += f.size - size
				p.files[f.name] = f.size
				p.policy.OnAdd(f.name, f.size)
			}
			continue
		}
		p.files[f.name] = f.size
		p.used += f.size
		added = append(added, f)
	}
	seedPolicy(p.policy, added)
	return nil
}

func scanPartition(dir string) ([]seedFile, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", dir, err)
	}
	files := make([]seedFile, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if strings.HasPrefix(name, ".") || !entry.Type().IsRegular() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, err
		}
		files = append(files, seedFile{name: name, size: info.Size(), modTime: info.ModTime()})
	}
	return files, nil
}

// NormalizeExtension 去掉前导点并转小写；非法或缺失时回退为 bin。
func NormalizeExtension(ext string) string {
	ext = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(ext), "."))
	if ext == "" || len(ext) > 8 {
		return "bin"
	}
	for _, r := range ext {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') {
			return "bin"
		}
	}
	return ext
}

func validDigest(digest string) bool {
	if len(digest) == 0 || len(digest) > 128 {
		return false
	}
	for _, r := range digest {
		if (r < '0' || r > '9') && (r < 'a' || r > 'f') {
			return false
		}
	}
	return true
}
