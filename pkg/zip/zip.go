package zip

import (
	"archive/zip"
	"bytes"
	"errors"
	"fmt"
	"strings"
	"time"
)

var ErrFinalized = errors.New("zip: archive already finalized")

// Builder accumulates entries in memory and yields the archive bytes once.
type Builder struct {
	buf       bytes.Buffer
	zw        *zip.Writer
	names     []string
	seen      map[string]struct{}
	finalized bool
	modified  time.Time
}

func NewBuilder() *Builder {
	b := &Builder{seen: make(map[string]struct{}), modified: time.Now()}
	b.zw = zip.NewWriter(&b.buf)
	return b
}

// Add stores data under name. Names must be unique within the archive.
func (b *Builder) Add(name string, data []byte) error {
	if b.finalized {
		return ErrFinalized
	}
	if name == "" {
		return errors.New("zip: empty entry name")
	}
	if _, dup := b.seen[name]; dup {
		return fmt.Errorf("zip: duplicate entry %q", name)
	}
	w, err := b.zw.CreateHeader(&zip.FileHeader{
		Name:     name,
		Method:   zip.Deflate,
		Modified: b.modified,
	})
	if err != nil {
		return fmt.Errorf("zip: create %s: %w", name, err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("zip: write %s: %w", name, err)
	}
	b.seen[name] = struct{}{}
	b.names = append(b.names, name)
	return nil
}

// AddImage stores the image and its caption as image_<n>.<ext> and
// image_<n>.txt, where n is index+1.
func (b *Builder) AddImage(index int, ext string, image []byte, caption string) error {
	if err := b.Add(ImageEntryName(index, ext), image); err != nil {
		return err
	}
	return b.Add(CaptionEntryName(index), []byte(caption))
}

// Len reports the number of entries added so far.
func (b *Builder) Len() int { return len(b.names) }

// Names lists entry names in insertion order.
func (b *Builder) Names() []string {
	out := make([]string, len(b.names))
	copy(out, b.names)
	return out
}

// Finalize closes the archive and returns its bytes. It may be called once.
func (b *Builder) Finalize() ([]byte, error) {
	if b.finalized {
		return nil, ErrFinalized
	}
	b.finalized = true
	if err := b.zw.Close(); err != nil {
		return nil, fmt.Errorf("zip: close: %w", err)
	}
	return b.buf.Bytes(), nil
}

func ImageEntryName(index int, ext string) string {
	ext = strings.TrimPrefix(strings.ToLower(ext), ".")
	if ext == "" {
		ext = "jpg"
	}
	return fmt.Sprintf("image_%d.%s", index+1, ext)
}

func CaptionEntryName(index int) string {
	return fmt.Sprintf("image_%d.txt", index+1)
}
