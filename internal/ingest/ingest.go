// Package ingest validates uploaded test reports, stamps them with identity
// metadata and writes them to the report index.
package ingest

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"reportlens/internal/apperr"
	"reportlens/internal/auth"
	"reportlens/internal/domain"
	"reportlens/internal/events"
	"reportlens/internal/search"
)

type TeamResolver interface {
	TeamIDs(ctx context.Context, subject string) ([]string, error)
}

// Auditor records ingestion events.
type Auditor interface {
	Append(ctx context.Context, evtType, reportID, actorID string, payload events.EventPayload) error
}

type Ingestor struct {
	Indexes *search.Manager
	Teams   TeamResolver
	Audit   Auditor
	Log     logrus.FieldLogger
	Now     func() time.Time
	NewID   func() string
	// Refresh makes a write visible to the next read.
	Refresh bool
}

// Receipt is returned for an accepted report.
type Receipt struct {
	ID      string         `json:"id"`
	Summary domain.Summary `json:"summary"`
}

func (in *Ingestor) now() time.Time {
	if in.Now != nil {
		return in.Now()
	}
	return time.Now()
}

// Ingest validates payload and stores it on behalf of p.
func (in *Ingestor) Ingest(ctx context.Context, p auth.Principal, payload []byte) (Receipt, error) {
	rep, violations := Validate(payload)
	if len(violations) > 0 {
		return Receipt{}, apperr.Validation("Invalid CTRF report", violations)
	}

	teams, err := in.Teams.TeamIDs(ctx, p.Subject)
	if err != nil {
		return Receipt{}, err
	}

	now := in.now().UTC()
	if rep.ReportID == "" {
		if in.NewID != nil {
			rep.ReportID = in.NewID()
		} else {
			rep.ReportID = uuid.NewString()
		}
	}
	if rep.Timestamp == "" {
		rep.Timestamp = now.Format(time.RFC3339Nano)
	}
	rep.Metadata = &domain.Metadata{
		UploadedBy: p.Subject,
		UserTeams:  teams,
		UploadedAt: now.Format(time.RFC3339Nano),
	}

	doc, err := json.Marshal(rep)
	if err != nil {
		return Receipt{}, apperr.Wrap(apperr.Internal, apperr.SourceInternal, err, "encode report")
	}
	if err := in.Indexes.EnsureIndexExists(ctx); err != nil {
		return Receipt{}, err
	}
	if err := in.Indexes.Backend().IndexDocument(ctx, in.Indexes.Index(), rep.ReportID, doc, in.Refresh); err != nil {
		return Receipt{}, err
	}

	var summary domain.Summary
	_ = json.Unmarshal(rep.Results.Summary, &summary)
	log := in.log().WithFields(logrus.Fields{"report_id": rep.ReportID, "uploaded_by": p.Subject, "tests": summary.Tests})
	log.Info("report ingested")

	if in.Audit != nil {
		err := in.Audit.Append(ctx, events.ReportIngested, rep.ReportID, p.Subject, events.EventPayload{
			"teams":  teams,
			"tests":  summary.Tests,
			"failed": summary.Failed,
		})
		if err != nil {
			log.WithError(err).Warn("audit event not recorded")
		}
	}
	return Receipt{ID: rep.ReportID, Summary: summary}, nil
}

func (in *Ingestor) log() logrus.FieldLogger {
	if in.Log != nil {
		return in.Log
	}
	return logrus.StandardLogger()
}
