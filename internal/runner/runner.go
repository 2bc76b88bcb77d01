// Package runner orchestrates one complete scan cycle: connect, scan
// each configured folder in order, evaluate the rule set against every
// candidate, post qualifying non-duplicate messages to the notifier,
// apply optional mutations, and commit watermark and dedup state
// together once at the end. A connection-level failure aborts the run
// with nothing committed, so the next run re-scans from the last
// committed point.
package runner

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/paul-sx/huginn-imap-to-mattermost-agent/internal/config"
	"github.com/paul-sx/huginn-imap-to-mattermost-agent/internal/mailbox"
	"github.com/paul-sx/huginn-imap-to-mattermost-agent/internal/mattermost"
	"github.com/paul-sx/huginn-imap-to-mattermost-agent/internal/message"
	"github.com/paul-sx/huginn-imap-to-mattermost-agent/internal/rules"
	"github.com/paul-sx/huginn-imap-to-mattermost-agent/internal/state"
)

// Run phases used as log attributes so every line can be placed in the
// connect → scan → evaluate → notify → commit sequence.
const (
	phaseConnect  = "connect"
	phaseScan     = "scan"
	phaseEvaluate = "evaluate"
	phaseNotify   = "notify"
	phaseCommit   = "commit"
)

// Session is the protocol connection a run operates on: the scan and
// fetch operations plus Close, which runs on every exit path.
type Session interface {
	mailbox.Session
	Close() error
}

// Notifier delivers qualifying messages downstream. Implemented by the
// Mattermost client; tests substitute a fake.
type Notifier interface {
	UploadAttachment(ctx context.Context, filename, mimeType string, data []byte) (string, error)
	Notify(ctx context.Context, p *mattermost.Payload, fileIDs []string) error
}

// Report summarizes one run.
type Report struct {
	RunID      string
	Folders    int
	Candidates int
	Notified   int
	Duplicates int
	Failures   int
	Elapsed    time.Duration
}

// Runner executes scan cycles. Construct once, Run per cycle; cycles
// must not overlap (the caller serializes them).
type Runner struct {
	cfg      *config.Config
	ruleSet  *rules.Set
	store    *state.Store
	notifier Notifier
	dial     func() (Session, error)
	logger   *slog.Logger
}

// New creates a runner, compiling the configured conditions. dial opens
// and authenticates a fresh session for each run.
func New(cfg *config.Config, store *state.Store, notifier Notifier, dial func() (Session, error), logger *slog.Logger) (*Runner, error) {
	if logger == nil {
		logger = slog.Default()
	}
	ruleSet, err := rules.Compile(cfg.Conditions)
	if err != nil {
		return nil, fmt.Errorf("compile conditions: %w", err)
	}
	return &Runner{
		cfg:      cfg,
		ruleSet:  ruleSet,
		store:    store,
		notifier: notifier,
		dial:     dial,
		logger:   logger,
	}, nil
}

// Run executes one scan cycle. Per-message failures are logged and
// skipped; folder-level protocol errors follow the configured policy;
// anything else aborts the run before state is committed. In dry-run
// mode nothing is delivered, mutated, or committed.
func (r *Runner) Run(ctx context.Context) (*Report, error) {
	start := time.Now()
	report := &Report{RunID: uuid.NewString()}
	logger := r.logger.With("run_id", report.RunID)

	marks, err := state.LoadWatermarks(r.store)
	if err != nil {
		return report, fmt.Errorf("load watermarks: %w", err)
	}
	dedup, err := state.LoadDedup(r.store, r.cfg.DedupCapacity)
	if err != nil {
		return report, fmt.Errorf("load dedup list: %w", err)
	}

	sess, err := r.dial()
	if err != nil {
		logger.Error("run aborted", "phase", phaseConnect, "host", r.cfg.IMAP.Host, "error", err)
		return report, err
	}
	defer sess.Close()

	unreadFilter := r.cfg.UnreadFilter()

	for _, folder := range r.cfg.Folders {
		scan, err := mailbox.Scan(sess, folder, marks.Get, unreadFilter, logger)
		if err != nil {
			if errors.Is(err, mailbox.ErrProtocol) && r.cfg.FolderErrorPolicy == config.FolderErrorSkip {
				logger.Error("folder scan failed, skipping folder",
					"phase", phaseScan, "folder", folder, "error", err)
				report.Failures++
				continue
			}
			logger.Error("run aborted",
				"phase", phaseScan, "folder", folder, "error", err)
			return report, err
		}

		folderAborted := false
		for _, cand := range scan.Candidates {
			report.Candidates++
			if err := r.processMessage(ctx, sess, scan, cand, dedup, report, logger); err != nil {
				if errors.Is(err, mailbox.ErrConnection) || r.cfg.FolderErrorPolicy != config.FolderErrorSkip {
					logger.Error("run aborted",
						"phase", phaseEvaluate, "folder", folder, "uid", cand.UID, "error", err)
					return report, err
				}
				logger.Error("folder failed mid-scan, skipping rest of folder",
					"phase", phaseEvaluate, "folder", folder, "uid", cand.UID, "error", err)
				report.Failures++
				folderAborted = true
				break
			}
		}

		// A folder that failed mid-scan keeps its old watermark so the
		// unprocessed candidates are re-found on the next run.
		if folderAborted {
			continue
		}

		if scan.HasWatermark {
			marks.Advance(scan.Epoch, scan.Watermark)
		}
		report.Folders++
	}

	if r.cfg.DryRun {
		logger.Info("dry run, state not committed", "phase", phaseCommit)
	} else {
		if err := state.Commit(r.store, marks, dedup); err != nil {
			logger.Error("run aborted", "phase", phaseCommit, "error", err)
			return report, err
		}
	}

	report.Elapsed = time.Since(start).Truncate(time.Millisecond)
	logger.Info("run complete",
		"folders", report.Folders,
		"candidates", report.Candidates,
		"notified", report.Notified,
		"duplicates", report.Duplicates,
		"failures", report.Failures,
		"elapsed", report.Elapsed,
	)
	return report, nil
}

// sessionError reports whether an error from a lazy secondary fetch
// means the session or folder is broken rather than the one message.
// Such errors must propagate: treating them as per-message failures
// would let the watermark advance past candidates that were never
// evaluated.
func sessionError(err error) bool {
	return errors.Is(err, mailbox.ErrConnection) || errors.Is(err, mailbox.ErrProtocol)
}

// processMessage evaluates and, when qualifying, delivers one candidate.
// Failures local to the message (unparseable content, notifier errors)
// are logged, counted, and skipped — and the message is never added to
// the dedup list, so a notification that failed is not remembered as
// sent. Connection and protocol errors surfacing through the secondary
// fetches are returned to the caller, which aborts per policy.
func (r *Runner) processMessage(ctx context.Context, sess Session, scan *mailbox.FolderScan, cand mailbox.Fetched, dedup *state.Dedup, report *Report, logger *slog.Logger) error {
	msgLog := logger.With("folder", scan.Folder, "uid", cand.UID)

	view, err := message.NewView(cand.UID, scan.Folder, cand.Unread, cand.Header, sess, msgLog)
	if err != nil {
		msgLog.Warn("skipping unparseable message", "phase", phaseEvaluate, "error", err)
		report.Failures++
		return nil
	}

	res, err := r.ruleSet.Evaluate(view, r.cfg.MIMETypes, msgLog)
	if err != nil {
		if sessionError(err) {
			return err
		}
		msgLog.Warn("skipping message, evaluation failed", "phase", phaseEvaluate, "error", err)
		report.Failures++
		return nil
	}
	if !res.Match {
		msgLog.Debug("conditions not met", "phase", phaseEvaluate)
		return nil
	}

	id := view.MessageID()
	if id == "" {
		id = fmt.Sprintf("%s/%d/%d", scan.Folder, scan.Epoch, cand.UID)
	}
	if dedup.Contains(id) {
		msgLog.Debug("already notified, skipping duplicate", "message_id", id)
		report.Duplicates++
		return nil
	}

	payload, err := r.buildPayload(view, id, res)
	if err != nil {
		if sessionError(err) {
			return err
		}
		msgLog.Warn("skipping message, payload build failed", "phase", phaseEvaluate, "error", err)
		report.Failures++
		return nil
	}

	if r.cfg.DryRun {
		msgLog.Info("dry run, would notify", "phase", phaseNotify, "message_id", id, "subject", payload.Subject)
		report.Notified++
		return nil
	}

	attachments, err := view.Attachments(r.cfg.AttachmentTypes)
	if err != nil {
		if sessionError(err) {
			return err
		}
		msgLog.Warn("skipping message, attachment extraction failed", "phase", phaseNotify, "error", err)
		report.Failures++
		return nil
	}

	var fileIDs []string
	for _, att := range attachments {
		fileID, err := r.notifier.UploadAttachment(ctx, att.Filename, att.Type, att.Data)
		if err != nil {
			msgLog.Warn("notification failed, will not retry",
				"phase", phaseNotify, "message_id", id, "error", err)
			report.Failures++
			return nil
		}
		fileIDs = append(fileIDs, fileID)
	}

	if err := r.notifier.Notify(ctx, payload, fileIDs); err != nil {
		msgLog.Warn("notification failed, will not retry",
			"phase", phaseNotify, "message_id", id, "error", err)
		report.Failures++
		return nil
	}

	dedup.Add(id)
	report.Notified++
	msgLog.Info("notified", "phase", phaseNotify, "message_id", id, "attachments", len(fileIDs))

	r.mutate(view, msgLog)
	return nil
}

// mutate applies the configured post-notification mutations. Mutation
// failures are logged but never fail the message — the notification
// already happened.
func (r *Runner) mutate(view *message.View, logger *slog.Logger) {
	if r.cfg.Delete {
		if err := view.Delete(); err != nil {
			logger.Warn("delete failed", "error", err)
		}
		return
	}
	if r.cfg.MarkAsRead {
		if err := view.MarkRead(); err != nil {
			logger.Warn("mark-as-read failed", "error", err)
		}
	}
}

// buildPayload assembles the notification record from the evaluated
// view. The attachment flag is always included (and by now usually
// memoized); raw content is attached only when configured.
func (r *Runner) buildPayload(view *message.View, id string, res *rules.Result) (*mattermost.Payload, error) {
	payload := &mattermost.Payload{
		MessageID: id,
		Folder:    view.Folder(),
		Subject:   view.Subject(),
		MIMEType:  res.Body.Type,
		Body:      res.Body.Text,
		Matches:   res.Captures,
	}

	if from, err := view.AddressStrings("From"); err == nil && len(from) > 0 {
		payload.From = from[0]
	}
	if to, err := view.AddressStrings("To"); err == nil {
		payload.To = to
	}
	if cc, err := view.AddressStrings("Cc"); err == nil {
		payload.Cc = cc
	}
	if date, err := view.Date(); err == nil && !date.IsZero() {
		payload.Date = date.Format(time.RFC3339)
	}

	has, err := view.HasAttachment()
	if err != nil {
		return nil, err
	}
	payload.HasAttachment = has

	if r.cfg.IncludeRaw {
		raw, err := view.Raw()
		if err != nil {
			return nil, err
		}
		payload.Raw = base64.StdEncoding.EncodeToString(raw)
	}

	if len(r.cfg.ExportHeaders) > 0 {
		payload.Headers = view.ExportHeaders(r.cfg.ExportHeaders, r.cfg.HeaderStyle)
	}

	return payload, nil
}
