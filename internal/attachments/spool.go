// ABOUTME: Local spool directory for files attached to buffered chat messages
// ABOUTME: Streams downloads to disk with a size cap and detects MIME types from content

package attachments

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"

	"github.com/2389/coven-relay/internal/threadbuf"
)

// ErrTooLarge is returned when an attachment exceeds the spool's size limit.
var ErrTooLarge = errors.New("attachment exceeds size limit")

// genericMimeTypes are declared types too vague to trust; content sniffing wins.
var genericMimeTypes = map[string]bool{
	"":                         true,
	"application/octet-stream": true,
	"binary/octet-stream":      true,
}

// Spool stores attachment bytes under a single directory.
type Spool struct {
	dir      string
	maxBytes int64
	logger   *slog.Logger
}

// NewSpool creates the spool directory if needed. maxBytes <= 0 means no limit.
func NewSpool(dir string, maxBytes int64, logger *slog.Logger) (*Spool, error) {
	if logger == nil {
		logger = slog.Default()
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolving spool dir: %w", err)
	}
	if err := os.MkdirAll(abs, 0700); err != nil {
		return nil, fmt.Errorf("creating spool dir: %w", err)
	}
	return &Spool{
		dir:      abs,
		maxBytes: maxBytes,
		logger:   logger.With("component", "attachments"),
	}, nil
}

// Dir returns the absolute spool directory.
func (s *Spool) Dir() string {
	return s.dir
}

// Save copies r into a new spool file and describes it as an Attachment.
// The partial file is removed on any error, including ErrTooLarge.
func (s *Spool) Save(ctx context.Context, name, declaredMime string, r io.Reader) (threadbuf.Attachment, error) {
	path := filepath.Join(s.dir, uuid.NewString()+"-"+sanitizeName(name))

	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
	if err != nil {
		return threadbuf.Attachment{}, fmt.Errorf("creating spool file: %w", err)
	}

	size, copyErr := s.copyLimited(ctx, f, r)
	closeErr := f.Close()
	if copyErr == nil {
		copyErr = closeErr
	}
	if copyErr != nil {
		_ = os.Remove(path)
		return threadbuf.Attachment{}, copyErr
	}

	mimeType := declaredMime
	if genericMimeTypes[strings.ToLower(mimeType)] {
		detected, err := mimetype.DetectFile(path)
		if err != nil {
			s.logger.Debug("mime detection failed", "path", path, "error", err)
			mimeType = "application/octet-stream"
		} else {
			mimeType = detected.String()
		}
	}

	s.logger.Debug("spooled attachment", "name", name, "path", path, "size", size, "mime", mimeType)
	return threadbuf.Attachment{
		OriginalName: name,
		MimeType:     mimeType,
		LocalPath:    path,
		SizeBytes:    size,
	}, nil
}

// copyLimited copies at most maxBytes, reading one extra byte to detect overflow.
func (s *Spool) copyLimited(ctx context.Context, w io.Writer, r io.Reader) (int64, error) {
	src := io.Reader(&ctxReader{ctx: ctx, r: r})
	if s.maxBytes > 0 {
		src = io.LimitReader(src, s.maxBytes+1)
	}
	n, err := io.Copy(w, src)
	if err != nil {
		return n, fmt.Errorf("writing spool file: %w", err)
	}
	if s.maxBytes > 0 && n > s.maxBytes {
		return n, fmt.Errorf("%w: more than %d bytes", ErrTooLarge, s.maxBytes)
	}
	return n, nil
}

// Remove deletes the spooled files of the given attachments. Paths outside
// the spool directory are left alone and files already gone are ignored.
func (s *Spool) Remove(atts ...threadbuf.Attachment) {
	for _, a := range atts {
		if !s.owns(a.LocalPath) {
			s.logger.Warn("refusing to remove file outside spool", "path", a.LocalPath)
			continue
		}
		if err := os.Remove(a.LocalPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			s.logger.Warn("failed to remove spooled attachment", "path", a.LocalPath, "error", err)
		}
	}
}

func (s *Spool) owns(path string) bool {
	if path == "" {
		return false
	}
	rel, err := filepath.Rel(s.dir, filepath.Clean(path))
	if err != nil {
		return false
	}
	return rel != "." && !strings.HasPrefix(rel, "..") && !strings.ContainsRune(rel, filepath.Separator)
}

// sanitizeName keeps a filesystem-safe version of the original file name.
func sanitizeName(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	out := strings.Trim(b.String(), ".")
	if out == "" {
		return "file"
	}
	if len(out) > 100 {
		out = out[len(out)-100:]
	}
	return out
}

// ctxReader stops a copy once its context is cancelled.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
