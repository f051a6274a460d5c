// Package extractor defines the narrow contracts for the external media
// extraction tool and the audio transcoder, plus subprocess adapters for
// yt-dlp and ffmpeg.
package extractor
