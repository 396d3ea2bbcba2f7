package upload

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/floegence/widgetchat/internal/backend"
)

// Backend is the slice of the backend service a submission needs.
type Backend interface {
	GenerateUploadURL(ctx context.Context) (string, error)
	TransferBlob(ctx context.Context, uploadURL string, contentType string, body io.Reader) (string, error)
	UploadImage(ctx context.Context, storageID string) (string, error)
	CreateMessage(ctx context.Context, req backend.CreateMessageRequest) error
}

type Stage string

const (
	StageUploadURL Stage = "generate_upload_url"
	StageTransfer  Stage = "transfer"
	StageValidate  Stage = "validate"
	StageCreate    Stage = "create_message"
)

// StageError reports where a submission was abandoned. Index is the image
// position in selection order, or -1 for the final createMessage call.
type StageError struct {
	Index int
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	if e.Index < 0 {
		return fmt.Sprintf("%s: %v", e.Stage, e.Err)
	}
	return fmt.Sprintf("image %d: %s: %v", e.Index, e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

var ErrMissingTarget = errors.New("missing thread or contact session")

// Target names the thread a submission is posted to.
type Target struct {
	ThreadID         string
	ContactSessionID string
}

type Sequencer struct {
	log     *slog.Logger
	backend Backend
}

func NewSequencer(b Backend, logger *slog.Logger) (*Sequencer, error) {
	if b == nil {
		return nil, errors.New("missing Backend")
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return &Sequencer{log: logger, backend: b}, nil
}

// Submit sends the draft as one message.
//
// Images are uploaded one at a time in selection order (upload url, transfer,
// validate), then a single createMessage carries every storage id. Any failure
// abandons the submission before createMessage; blobs that were already
// transferred are left to the backend's storage lifecycle. The draft is cleared
// only when the message was created.
//
// sent is false with a nil error when there is nothing to send.
func (s *Sequencer) Submit(ctx context.Context, target Target, d *Draft) (sent bool, err error) {
	if s == nil || s.backend == nil {
		return false, errors.New("sequencer not initialized")
	}
	if d == nil {
		return false, errors.New("missing draft")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	target.ThreadID = strings.TrimSpace(target.ThreadID)
	target.ContactSessionID = strings.TrimSpace(target.ContactSessionID)
	if target.ThreadID == "" || target.ContactSessionID == "" {
		return false, ErrMissingTarget
	}

	text, images := d.snapshot()
	prompt := strings.TrimSpace(text)
	if prompt == "" && len(images) == 0 {
		return false, nil
	}

	start := time.Now()
	storageIDs, err := s.uploadAll(ctx, images)
	if err != nil {
		return false, err
	}

	req := backend.CreateMessageRequest{
		ThreadID:         target.ThreadID,
		Prompt:           prompt,
		ContactSessionID: target.ContactSessionID,
	}
	if len(storageIDs) > 0 {
		req.ImageStorageIDs = storageIDs
	}
	if err := s.backend.CreateMessage(ctx, req); err != nil {
		return false, &StageError{Index: -1, Stage: StageCreate, Err: err}
	}

	d.consume(images)
	s.log.Debug("message sent", "thread_id", target.ThreadID, "images", len(storageIDs), "duration_ms", time.Since(start).Milliseconds())
	return true, nil
}

func (s *Sequencer) uploadAll(ctx context.Context, images []Image) ([]string, error) {
	storageIDs := make([]string, 0, len(images))
	for i, img := range images {
		if err := ctx.Err(); err != nil {
			return nil, &StageError{Index: i, Stage: StageUploadURL, Err: err}
		}

		uploadURL, err := s.backend.GenerateUploadURL(ctx)
		if err != nil {
			return nil, &StageError{Index: i, Stage: StageUploadURL, Err: err}
		}

		storageID, err := s.backend.TransferBlob(ctx, uploadURL, img.ContentType, bytes.NewReader(img.data))
		if err != nil {
			return nil, &StageError{Index: i, Stage: StageTransfer, Err: err}
		}

		validated, err := s.backend.UploadImage(ctx, storageID)
		if err != nil {
			return nil, &StageError{Index: i, Stage: StageValidate, Err: err}
		}
		storageIDs = append(storageIDs, validated)
	}
	return storageIDs, nil
}
