// Package submission proxies scoring submissions to the competition
// backend. Validation here is limited to what saves a pointless upload:
// a file must be present, must look like a CSV, and the GitHub link must
// not be empty. Scoring and size limits belong to the backend.
package submission

import (
	"context"
	"io"
	"path/filepath"
	"strings"

	"github.com/modelarena/portal/internal/backend"
	"github.com/modelarena/portal/internal/domain"
	"github.com/modelarena/portal/internal/errors"
)

// Backend is the slice of the backend client this service uses.
type Backend interface {
	CreateSubmission(ctx context.Context, token, githubLink, filename string, csv io.Reader) (backend.SubmitResult, error)
	ListSubmissions(ctx context.Context, token string) ([]domain.Submission, error)
}

type Config struct {
	Backend Backend
}

type Service struct {
	backend Backend
}

func NewService(c Config) *Service {
	return &Service{
		backend: c.Backend,
	}
}

// Submit uploads a CSV and GitHub link for scoring and returns the
// backend's result, with server-side rejection messages passed through
// verbatim.
func (s *Service) Submit(ctx context.Context, sess *domain.Session, githubLink, filename string, csv io.Reader) (backend.SubmitResult, error) {
	if sess == nil || sess.AccessToken == "" {
		return backend.SubmitResult{}, errors.New(errors.CodeUnauthenticated,
			errors.WithMessage("you must be signed in to submit"))
	}

	githubLink = strings.TrimSpace(githubLink)
	if githubLink == "" {
		return backend.SubmitResult{}, errors.New(errors.CodeInvalidArgument,
			errors.WithMessage("a GitHub link is required"))
	}
	if csv == nil || filename == "" {
		return backend.SubmitResult{}, errors.New(errors.CodeInvalidArgument,
			errors.WithMessage("a CSV file is required"))
	}
	if !strings.EqualFold(filepath.Ext(filename), ".csv") {
		return backend.SubmitResult{}, errors.New(errors.CodeInvalidArgument,
			errors.WithMessage("only .csv files are accepted"))
	}

	return s.backend.CreateSubmission(ctx, sess.AccessToken, githubLink, filename, csv)
}

// List returns the caller's submission history.
func (s *Service) List(ctx context.Context, sess *domain.Session) ([]domain.Submission, error) {
	if sess == nil || sess.AccessToken == "" {
		return nil, errors.New(errors.CodeUnauthenticated,
			errors.WithMessage("you must be signed in to view submissions"))
	}

	return s.backend.ListSubmissions(ctx, sess.AccessToken)
}
