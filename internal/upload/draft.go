package upload

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/google/uuid"
)

const (
	DefaultMaxImages     = 4
	DefaultMaxImageBytes = 10 << 20 // 10 MiB
)

var (
	ErrNotImage       = errors.New("not an image")
	ErrImageTooLarge  = errors.New("image too large")
	ErrTooManyImages  = errors.New("too many images")
	ErrImageNotFound  = errors.New("image not found")
	ErrEmptyImageData = errors.New("empty image")
)

// File is a locally selected file before it joins a draft.
type File struct {
	Name        string
	ContentType string
	Data        []byte
}

// Image is a pending draft image.
type Image struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	ContentType string `json:"content_type"`
	Size        int64  `json:"size"`
	// PreviewURL is a local object URL for the draft preview; it never leaves the client.
	PreviewURL string `json:"preview_url"`

	data []byte
}

func (img Image) Data() []byte { return img.data }

type DraftOptions struct {
	MaxImages     int
	MaxImageBytes int64
}

// Draft is the composer state of one chat input: text plus selected images in selection order.
type Draft struct {
	maxImages int
	maxBytes  int64

	mu     sync.Mutex
	text   string
	images []Image
}

func NewDraft(opts DraftOptions) *Draft {
	maxImages := opts.MaxImages
	if maxImages <= 0 {
		maxImages = DefaultMaxImages
	}
	maxBytes := opts.MaxImageBytes
	if maxBytes <= 0 {
		maxBytes = DefaultMaxImageBytes
	}
	return &Draft{maxImages: maxImages, maxBytes: maxBytes}
}

func (d *Draft) SetText(text string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.text = text
}

func (d *Draft) Text() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.text
}

// AddImages appends valid image files in order until the draft is full.
//
// Rejected files do not stop the rest; their reasons are joined into the returned error.
func (d *Draft) AddImages(files ...File) ([]Image, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	var errs []error
	added := make([]Image, 0, len(files))
	for _, f := range files {
		name := strings.TrimSpace(f.Name)
		if name == "" {
			name = "image"
		}
		if len(d.images) >= d.maxImages {
			errs = append(errs, fmt.Errorf("%s: %w (max %d)", name, ErrTooManyImages, d.maxImages))
			continue
		}
		if len(f.Data) == 0 {
			errs = append(errs, fmt.Errorf("%s: %w", name, ErrEmptyImageData))
			continue
		}
		if int64(len(f.Data)) > d.maxBytes {
			errs = append(errs, fmt.Errorf("%s: %w (max %d bytes)", name, ErrImageTooLarge, d.maxBytes))
			continue
		}

		mt := strings.TrimSpace(f.ContentType)
		if mt == "" || mt == "application/octet-stream" {
			mt = http.DetectContentType(f.Data)
		}
		if !strings.HasPrefix(mt, "image/") {
			errs = append(errs, fmt.Errorf("%s: %w (%s)", name, ErrNotImage, mt))
			continue
		}

		id := uuid.NewString()
		img := Image{
			ID:          id,
			Name:        name,
			ContentType: mt,
			Size:        int64(len(f.Data)),
			PreviewURL:  "blob:" + id,
			data:        append([]byte(nil), f.Data...),
		}
		d.images = append(d.images, img)
		added = append(added, img)
	}
	return added, errors.Join(errs...)
}

// RemoveImage drops the image at idx (selection order).
func (d *Draft) RemoveImage(idx int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if idx < 0 || idx >= len(d.images) {
		return ErrImageNotFound
	}
	d.images = append(d.images[:idx], d.images[idx+1:]...)
	return nil
}

func (d *Draft) ClearImages() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.images = nil
}

// Reset clears text and images.
func (d *Draft) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.text = ""
	d.images = nil
}

func (d *Draft) Images() []Image {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Image, len(d.images))
	copy(out, d.images)
	return out
}

func (d *Draft) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.images)
}

func (d *Draft) CanAddMore() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.images) < d.maxImages
}

func (d *Draft) snapshot() (string, []Image) {
	d.mu.Lock()
	defer d.mu.Unlock()
	images := make([]Image, len(d.images))
	copy(images, d.images)
	return d.text, images
}

// consume clears the text and removes the given images, keeping anything
// selected after the snapshot was taken.
func (d *Draft) consume(sent []Image) {
	d.mu.Lock()
	defer d.mu.Unlock()
	drop := make(map[string]struct{}, len(sent))
	for _, img := range sent {
		drop[img.ID] = struct{}{}
	}
	kept := d.images[:0]
	for _, img := range d.images {
		if _, ok := drop[img.ID]; ok {
			continue
		}
		kept = append(kept, img)
	}
	d.images = kept
	d.text = ""
}
