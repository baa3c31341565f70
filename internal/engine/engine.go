package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"briefmatch/internal/config"
	"briefmatch/internal/domain"
	"briefmatch/internal/events"
	"briefmatch/internal/logger"
	"briefmatch/internal/notify"
	"briefmatch/internal/repo"
)

var (
	ErrInvalidInput          = errors.New("invalid input")
	ErrBriefAllocated        = errors.New("brief already allocated")
	ErrInvitationClosed      = errors.New("invitation already closed")
	ErrInvitationExpired     = errors.New("invitation expired")
	ErrInvitationNotAccepted = errors.New("candidate has no accepted invitation")
)

// AllocatedReason is recorded on invitations declined by the allocation lock.
const AllocatedReason = "already allocated"

// CandidateSource supplies the active expert pool.
type CandidateSource interface {
	ListActiveCandidates(ctx context.Context) ([]domain.CandidateProfile, error)
}

// BriefSource supplies submitted briefs.
type BriefSource interface {
	GetBrief(ctx context.Context, id string) (domain.Brief, error)
}

// ProjectCreator turns an accepted invitation into a project.
type ProjectCreator interface {
	CreateProject(ctx context.Context, briefID, candidateID, actorID string) (domain.Project, error)
}

var _ ProjectCreator = Engine{}

type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Events   events.Writer
	Config   *config.Config
	Notifier notify.Notifier
	Log      *zap.Logger
	Now      func() time.Time

	// Candidates and Briefs default to Repo when nil.
	Candidates CandidateSource
	Briefs     BriefSource

	flight *singleflight.Group
}

func New(db *sql.DB, cfg *config.Config) Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	return Engine{
		DB:       db,
		Repo:     repo.Repo{DB: db},
		Events:   events.Writer{DB: db},
		Config:   cfg,
		Notifier: notify.Nop{},
		Log:      zap.NewNop(),
		Now:      time.Now,
		flight:   &singleflight.Group{},
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

func (e Engine) nowString() string {
	return e.now().Format(time.RFC3339)
}

func (e Engine) candidates() CandidateSource {
	if e.Candidates != nil {
		return e.Candidates
	}
	return e.Repo
}

func (e Engine) briefs() BriefSource {
	if e.Briefs != nil {
		return e.Briefs
	}
	return e.Repo
}

func (e Engine) events() events.Writer {
	w := e.Events
	if w.DB == nil {
		w.DB = e.DB
	}
	w.Now = e.now
	return w
}

func (e Engine) log(fields ...zap.Field) *zap.Logger {
	return logger.WithFields(e.Log, fields...)
}

// notify delivers after commit. Failures are logged and never undo the change.
func (e Engine) notify(ctx context.Context, notes ...notify.Notification) {
	if e.Notifier == nil {
		return
	}
	for _, n := range notes {
		if n.CreatedAt == "" {
			n.CreatedAt = e.nowString()
		}
		if err := e.Notifier.Notify(ctx, n); err != nil {
			e.log(logger.IDs(logger.FieldBriefID, n.BriefID, "user_id", n.UserID)...).
				Warn("notification delivery failed", zap.String("type", n.Type), zap.Error(err))
		}
	}
}

func invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}

func newID() string {
	return uuid.NewString()
}

// ensureInvitationTransition guards the invitation state machine: sent is the only
// non-terminal state.
func ensureInvitationTransition(from, to string) error {
	allowed := map[string][]string{
		domain.InvitationSent: {domain.InvitationAccepted, domain.InvitationDeclined, domain.InvitationExpired},
		// allocation lock
		domain.InvitationAccepted: {domain.InvitationDeclined},
		domain.InvitationExpired:  {domain.InvitationDeclined},
		domain.InvitationDeclined: {domain.InvitationDeclined},
	}
	for _, s := range allowed[from] {
		if s == to {
			return nil
		}
	}
	return fmt.Errorf("invalid invitation transition %s -> %s", from, to)
}

func parseTS(s string) (time.Time, error) {
	return time.Parse(time.RFC3339, strings.TrimSpace(s))
}
