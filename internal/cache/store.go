package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"time"
)

// Namespace 区分同一资源的不同获取意图，每个 Namespace 对应一个独立分区目录。
type Namespace string

const (
	NamespaceAudio Namespace = "audio"
	NamespaceVideo Namespace = "video"
)

// Namespaces 列出全部缓存分区。
func Namespaces() []Namespace {
	return []Namespace{NamespaceAudio, NamespaceVideo}
}

// Valid 判断 Namespace 是否为已知分区。
func (n Namespace) Valid() bool {
	return n == NamespaceAudio || n == NamespaceVideo
}

// Key 唯一定位一个缓存条目：分区 + 标识符摘要。
type Key struct {
	Namespace Namespace
	Digest    string
}

// KeyFor 对规范化后的标识符与 Namespace 计算 sha256 摘要，相同输入始终得到相同 Key。
func KeyFor(identifier string, ns Namespace) Key {
	sum := sha256.Sum256([]byte(string(ns) + "\x00" + NormalizeIdentifier(identifier)))
	return Key{Namespace: ns, Digest: hex.EncodeToString(sum[:])}
}

// NormalizeIdentifier 去除首尾空白，保证等价的标识符映射到同一 Key。
func NormalizeIdentifier(identifier string) string {
	return strings.TrimSpace(identifier)
}

func (k Key) String() string {
	return string(k.Namespace) + "/" + k.Digest
}

// Entry 描述一个已提交的缓存文件。
type Entry struct {
	Key       Key       `json:"key"`
	FilePath  string    `json:"file_path"`
	SizeBytes int64     `json:"size_bytes"`
	Extension string    `json:"extension"`
	ModTime   time.Time `json:"mod_time"`
}

// PartitionStats 汇总单个分区的占用情况，供诊断接口输出。
type PartitionStats struct {
	Namespace Namespace `json:"namespace"`
	Entries   int       `json:"entries"`
	Bytes     int64     `json:"bytes"`
	MaxBytes  int64     `json:"max_bytes"`
	Policy    string    `json:"policy"`
}

// Store 负责管理磁盘缓存。磁盘布局遵循：
//
//	<CacheDir>/<namespace>/<digest>.<ext>   # 已提交的媒体文件
//	<CacheDir>/tmp/                         # 下载暂存目录，与分区同一文件系统
type Store interface {
	// Lookup 查找 Key 对应的任意扩展名文件；不存在时返回 ErrNotFound。
	Lookup(ctx context.Context, key Key) (*Entry, error)

	// Commit 将已完成的暂存文件以 rename 方式移动到 <digest>.<ext>，
	// 在文件可见之前完成分区容量检查与淘汰。
	Commit(ctx context.Context, tempPath string, key Key, ext string) (*Entry, error)

	// EnforceSizeBound 重新计算分区占用，超过上限时按策略淘汰。
	EnforceSizeBound(ctx context.Context, ns Namespace) error

	// TotalBytes 返回分区当前占用字节数。
	TotalBytes(ns Namespace) int64

	// Stats 返回所有分区的统计信息。
	Stats() []PartitionStats

	// ScratchDir 返回下载暂存目录。
	ScratchDir() string
}

// ErrNotFound 表示缓存不存在。
var ErrNotFound = errors.New("cache entry not found")

// ErrInvalidKey 表示 Key 的分区或摘要非法。
var ErrInvalidKey = errors.New("invalid cache key")
