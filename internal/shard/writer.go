package shard

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/deslabs/des/internal/backend"
	"github.com/deslabs/des/internal/chunkhash"
	"github.com/deslabs/des/internal/codec"
)

// ErrShardTooLarge is raised when a single append would exceed the
// configured max shard size (§4.3, §7). The caller (planner) is
// responsible for rolling to a new shard.
var ErrShardTooLarge = errors.New("shard: append would exceed max shard size")

// writerState is the three-state lifecycle from §9 "Sequential writer
// state machine": OPEN (appending allowed), CLOSING (finalizing index and
// footer, no append), CLOSED (terminal). Invalid transitions are
// programmer errors, not recoverable runtime conditions.
type writerState int

const (
	stateOpen writerState = iota
	stateClosing
	stateClosed
)

const (
	// DefaultBigFileThresholdBytes is the §6 default for
	// bigfile_threshold_bytes (10 MiB).
	DefaultBigFileThresholdBytes = 10 << 20
	// DefaultBigFilesPrefix is the §6 default for bigfiles_prefix.
	DefaultBigFilesPrefix = "_bigFiles"
)

// WriterOptions configures a single shard Writer (§4.3 "open").
type WriterOptions struct {
	Backend               backend.Backend
	ObjectKey             string
	BigFilesPrefix        string
	BigFileThresholdBytes int64
	// MaxShardSizeBytes bounds one physical shard; 0 means unlimited
	// (the planner is expected to set this from its own config).
	MaxShardSizeBytes int64

	Codecs       *codec.Adapter
	DefaultCodec codec.ID
	DefaultLevel codec.Level
	Skip         codec.SkipConfig

	Logger *slog.Logger
}

// AppendInput is one (uid, payload, meta) record to store (§4.3).
type AppendInput struct {
	UID      []byte
	Payload  io.Reader
	SizeHint int64
	Meta     []byte
	// Name is used only by the compression skip heuristic's extension
	// check (§4.2); it is never stored. It is optional.
	Name string
}

// CloseResult summarizes a successfully closed shard (§4.3 "close").
// ContentHash is a defensive BLAKE3 digest over the shard's DATA section,
// never persisted in the wire format (§4.3) — callers that want it kept
// around log it or thread it into their own audit trail.
type CloseResult struct {
	ObjectKey    string
	BytesWritten int64
	Entries      int
	ContentHash  string
}

// Writer streams payloads into a growing shard and publishes index+footer
// on Close (§4.3).
type Writer struct {
	opts WriterOptions

	state      writerState
	temp       *os.File
	tempPath   string
	cursor     int64 // absolute byte offset from the start of the shard
	entries    []Entry
	dataHasher *chunkhash.Hasher

	logger *slog.Logger
}

// Open begins a new shard. Callers own Close; a failed Open leaves no
// artifacts behind.
func Open(opts WriterOptions) (*Writer, error) {
	if opts.Backend == nil {
		return nil, errors.New("shard: backend required")
	}
	if opts.ObjectKey == "" {
		return nil, errors.New("shard: object key required")
	}
	if opts.BigFilesPrefix == "" {
		opts.BigFilesPrefix = DefaultBigFilesPrefix
	}
	if opts.BigFileThresholdBytes <= 0 {
		opts.BigFileThresholdBytes = DefaultBigFileThresholdBytes
	}
	if opts.Codecs == nil {
		adapter, err := codec.NewAdapter()
		if err != nil {
			return nil, fmt.Errorf("shard: init codec adapter: %w", err)
		}
		opts.Codecs = adapter
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	temp, err := os.CreateTemp("", "shard-*.tmp")
	if err != nil {
		return nil, fmt.Errorf("shard: create scratch file: %w", err)
	}
	w := &Writer{
		opts:       opts,
		state:      stateOpen,
		temp:       temp,
		tempPath:   temp.Name(),
		dataHasher: chunkhash.New(),
		logger:     logger.With("object_key", opts.ObjectKey),
	}
	if err := EncodeHeader(temp, Header{Version: VersionV2}); err != nil {
		w.abort()
		return nil, fmt.Errorf("shard: write header: %w", err)
	}
	w.cursor = HeaderLen
	return w, nil
}

func (w *Writer) abort() {
	if w.temp != nil {
		_ = w.temp.Close()
		_ = os.Remove(w.tempPath)
		w.temp = nil
	}
	w.state = stateClosed
}

// Append decides inline-vs-BigFile placement and records one index entry
// (§4.3 "Algorithm per append").
//
// A failure reading or compressing this one file's payload (a per-file
// problem the caller should isolate, per the planner's §4.6 step 5) leaves
// the writer open with its prior entries intact. Only a failure that
// actually corrupts the writer's own scratch file — a partial write to the
// shared temp file — aborts the whole shard, since its byte layout can no
// longer be trusted.
func (w *Writer) Append(ctx context.Context, in AppendInput) error {
	if w.state != stateOpen {
		return errors.New("shard: writer not open")
	}
	if len(in.UID) == 0 {
		return fmt.Errorf("shard: empty uid")
	}

	// A BigFile-routed append grows DATA by only its inline pointer, not by
	// SizeHint — the payload itself lands in a sibling object — so the
	// max-shard-size check only applies to the inline path.
	isBigFile := in.SizeHint >= w.opts.BigFileThresholdBytes
	if !isBigFile && w.opts.MaxShardSizeBytes > 0 && in.SizeHint > 0 {
		if w.cursor+in.SizeHint > w.opts.MaxShardSizeBytes {
			return ErrShardTooLarge
		}
	}

	var entry Entry
	var err error
	var fatal bool
	if isBigFile {
		entry, err, fatal = w.appendBigFile(ctx, in)
	} else {
		entry, err, fatal = w.appendInline(ctx, in)
	}
	if err != nil {
		if fatal {
			w.abort()
		}
		return err
	}
	w.entries = append(w.entries, entry)
	return nil
}

func (w *Writer) appendInline(_ context.Context, in AppendInput) (Entry, error, bool) {
	original, err := io.ReadAll(in.Payload)
	if err != nil {
		return Entry{}, fmt.Errorf("shard: read payload: %w", err), false
	}

	codecID, body := w.compress(in.Name, original)

	n, err := w.temp.WriteAt(body, w.cursor)
	if err != nil {
		// Bytes may already be partially on disk at this offset; the
		// writer's own layout is now untrustworthy.
		return Entry{}, fmt.Errorf("shard: write data: %w", err), true
	}
	offset := w.cursor
	w.cursor += int64(n)
	_, _ = w.dataHasher.Writer().Write(body)

	return Entry{
		UID:              in.UID,
		Meta:             in.Meta,
		IsBigFile:        false,
		Offset:           uint64(offset),
		Length:           uint64(n),
		CodecID:          codecID,
		CompressedSize:   uint64(n),
		UncompressedSize: uint64(len(original)),
	}, nil, false
}

// compress applies the §4.2 skip heuristic and falls back to codec=none
// when compression is skipped, not attempted well, or not worth keeping.
func (w *Writer) compress(name string, original []byte) (codec.ID, []byte) {
	skip := w.opts.Skip
	if name != "" && skip.ShouldSkipByName(name) {
		return codec.None, original
	}
	if skip.ShouldSkipBySize(int64(len(original))) {
		return codec.None, original
	}
	id := w.opts.DefaultCodec
	if id == codec.None {
		return codec.None, original
	}
	level := w.opts.DefaultLevel
	if level == 0 {
		level = codec.LevelDefault
	}
	compressed, err := w.opts.Codecs.Encode(id, level, original)
	if err != nil {
		w.logger.Warn("compression failed, storing uncompressed", "codec", id.String(), "err", err)
		return codec.None, original
	}
	if !skip.RatioAcceptable(int64(len(original)), int64(len(compressed))) {
		return codec.None, original
	}
	return id, compressed
}

// appendBigFile spools the payload to a private scratch file and uploads
// it as a content-addressed sibling object. None of this touches the
// writer's own shard scratch file or cursor, so any failure here is always
// per-file isolatable (the returned bool is always false).
func (w *Writer) appendBigFile(ctx context.Context, in AppendInput) (Entry, error, bool) {
	spool, err := os.CreateTemp("", "shard-bigfile-*.tmp")
	if err != nil {
		return Entry{}, fmt.Errorf("shard: create bigfile spool: %w", err), false
	}
	spoolPath := spool.Name()
	defer func() {
		_ = spool.Close()
		_ = os.Remove(spoolPath)
	}()

	hasher := sha256.New()
	size, err := io.Copy(io.MultiWriter(spool, hasher), in.Payload)
	if err != nil {
		return Entry{}, fmt.Errorf("shard: spool bigfile payload: %w", err), false
	}
	if _, err := spool.Seek(0, io.SeekStart); err != nil {
		return Entry{}, fmt.Errorf("shard: rewind bigfile spool: %w", err), false
	}

	hash := hex.EncodeToString(hasher.Sum(nil))
	key := w.opts.BigFilesPrefix + "/" + hash
	if err := w.opts.Backend.Put(ctx, key, spool, size); err != nil {
		return Entry{}, fmt.Errorf("shard: put bigfile sibling: %w", err), false
	}

	return Entry{
		UID:         in.UID,
		Meta:        in.Meta,
		IsBigFile:   true,
		Hash:        hash,
		BigFileSize: uint64(size),
	}, nil, false
}

// Close finalizes the index and footer, then publishes the shard as a
// single object (§4.3 "Close"). On any error the shard is aborted and no
// object appears.
func (w *Writer) Close(ctx context.Context) (CloseResult, error) {
	if w.state != stateOpen {
		return CloseResult{}, errors.New("shard: writer not open")
	}
	w.state = stateClosing

	indexBytes, err := EncodeIndex(w.entries)
	if err != nil {
		w.abort()
		return CloseResult{}, fmt.Errorf("shard: encode index: %w", err)
	}
	if _, err := w.temp.WriteAt(indexBytes, w.cursor); err != nil {
		w.abort()
		return CloseResult{}, fmt.Errorf("shard: write index: %w", err)
	}
	w.cursor += int64(len(indexBytes))

	footer := Footer{IndexSize: uint64(len(indexBytes))}
	var footerBuf bytes.Buffer
	if err := EncodeFooter(&footerBuf, footer); err != nil {
		w.abort()
		return CloseResult{}, fmt.Errorf("shard: encode footer: %w", err)
	}
	if _, err := w.temp.WriteAt(footerBuf.Bytes(), w.cursor); err != nil {
		w.abort()
		return CloseResult{}, fmt.Errorf("shard: write footer: %w", err)
	}
	total := w.cursor + int64(footerBuf.Len())

	if _, err := w.temp.Seek(0, io.SeekStart); err != nil {
		w.abort()
		return CloseResult{}, fmt.Errorf("shard: rewind scratch file: %w", err)
	}
	if err := w.opts.Backend.Put(ctx, w.opts.ObjectKey, w.temp, total); err != nil {
		w.abort()
		return CloseResult{}, fmt.Errorf("shard: publish shard: %w", err)
	}

	result := CloseResult{
		ObjectKey:    w.opts.ObjectKey,
		BytesWritten: total,
		Entries:      len(w.entries),
		ContentHash:  w.dataHasher.Sum(),
	}
	_ = w.temp.Close()
	_ = os.Remove(w.tempPath)
	w.temp = nil
	w.state = stateClosed
	w.logger.Info("shard closed", "bytes", total, "entries", result.Entries, "content_hash", result.ContentHash)
	return result, nil
}

// Abort discards the in-progress shard without publishing anything. It is
// safe to call after a failed Append or Close, and is a no-op once the
// writer is already closed.
func (w *Writer) Abort() {
	if w.state == stateClosed {
		return
	}
	w.abort()
}
