// Package crmsync reconciles IDENT patients and receptions with amoCRM
// contacts and leads.
package crmsync

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/ident-sync/internal/fieldmap"
	"github.com/sells-group/ident-sync/internal/model"
	"github.com/sells-group/ident-sync/internal/source"
	"github.com/sells-group/ident-sync/internal/store"
	"github.com/sells-group/ident-sync/pkg/amocrm"
)

// DefaultInitialLookback bounds the first incremental run when no mark exists.
const DefaultInitialLookback = 24 * time.Hour

// Deps are the collaborators of an Engine. Every worker shares CRM, so one
// limiter throttles the whole process.
type Deps struct {
	Source    source.Source
	Store     store.Store
	CRM       amocrm.Client
	Fields    *fieldmap.Mapping
	Pipelines Pipelines
	Payloads  *Payloads
	Metrics   *Metrics
}

// Options tunes an Engine.
type Options struct {
	Workers         int
	InitialLookback time.Duration
	IncludePatients bool
}

// RunOpts selects what a run processes.
type RunOpts struct {
	Mode model.RunMode
	// Since overrides the stored mark for incremental runs.
	Since *time.Time
	// ReceptionID is required for RunSingle.
	ReceptionID int64
}

// Engine drives sync runs. Runs never overlap within a process.
type Engine struct {
	src      source.Source
	st       store.Store
	crm      amocrm.Client
	fields   *fieldmap.Mapping
	resolver *Resolver
	coord    *Coordinator
	payloads *Payloads
	metrics  *Metrics
	opts     Options

	running atomic.Bool
	now     func() time.Time
	log     *zap.Logger
}

// NewEngine wires an Engine.
func NewEngine(d Deps, opts Options) *Engine {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.InitialLookback <= 0 {
		opts.InitialLookback = DefaultInitialLookback
	}
	payloads := d.Payloads
	if payloads == nil {
		payloads = NewPayloads(d.Fields, "", nil)
	}
	return &Engine{
		src:      d.Source,
		st:       d.Store,
		crm:      d.CRM,
		fields:   d.Fields,
		resolver: NewResolver(d.CRM, d.Fields, d.Pipelines),
		coord:    NewCoordinator(d.CRM, d.Pipelines),
		payloads: payloads,
		metrics:  d.Metrics,
		opts:     opts,
		now:      time.Now,
		log:      zap.L().With(zap.String("component", "crmsync.engine")),
	}
}

// Running reports whether a run is in progress.
func (e *Engine) Running() bool { return e.running.Load() }

// SyncReception re-drives one reception by id.
func (e *Engine) SyncReception(ctx context.Context, id int64) (*model.RunSummary, error) {
	return e.Run(ctx, RunOpts{Mode: model.RunSingle, ReceptionID: id})
}

// Run executes one sync run. Per-record failures are collected in the
// summary; the returned error is set only when the run failed or was
// cancelled. The high-water mark moves to the run's start time only when
// the run completes.
func (e *Engine) Run(ctx context.Context, opts RunOpts) (*model.RunSummary, error) {
	if opts.Mode == "" {
		opts.Mode = model.RunIncremental
	}
	if opts.Mode == model.RunSingle && opts.ReceptionID == 0 {
		return nil, eris.New("crmsync: single run needs a reception id")
	}
	if !e.running.CompareAndSwap(false, true) {
		return nil, ErrRunInProgress
	}
	defer e.running.Store(false)

	run := &model.RunSummary{
		ID:        uuid.NewString(),
		Mode:      opts.Mode,
		Status:    model.RunStatusRunning,
		StartedAt: e.now().UTC(),
	}
	r := &runState{
		summary:  run,
		contacts: newContactRegistry(),
		log:      e.log.With(zap.String("run_id", run.ID), zap.String("mode", string(opts.Mode))),
	}

	if err := e.st.StartRun(ctx, run); err != nil {
		return nil, eris.Wrap(err, "crmsync: record run start")
	}
	r.log.Info("sync run started")

	execErr := e.execute(ctx, opts, r)
	return e.finish(ctx, r, execErr)
}

func (e *Engine) execute(ctx context.Context, opts RunOpts, r *runState) error {
	if opts.Mode == model.RunSingle {
		rec, err := e.src.FetchReception(ctx, opts.ReceptionID)
		if err != nil {
			return recordError(model.EntityReception, strconv.FormatInt(opts.ReceptionID, 10), err)
		}
		e.processReceptions(ctx, r, []model.Reception{*rec})
		return nil
	}

	var receptionsSince, patientsSince *time.Time
	if opts.Mode == model.RunIncremental {
		var err error
		if receptionsSince, err = e.since(ctx, store.ScopeReceptions, opts.Since, r.summary.StartedAt); err != nil {
			return err
		}
		if e.opts.IncludePatients {
			if patientsSince, err = e.since(ctx, store.ScopePatients, opts.Since, r.summary.StartedAt); err != nil {
				return err
			}
		}
		r.summary.Since = receptionsSince
	}

	if e.opts.IncludePatients {
		patients, err := e.src.FetchPatients(ctx, patientsSince)
		if err != nil {
			return sourceError("patients", err)
		}
		r.log.Info("patients to sync", zap.Int("count", len(patients)))
		e.processPatients(ctx, r, patients)
		if r.stopped(ctx) {
			return nil
		}
	}

	receptions, err := e.src.FetchReceptions(ctx, receptionsSince)
	if err != nil {
		return sourceError("receptions", err)
	}
	r.log.Info("receptions to sync", zap.Int("count", len(receptions)))
	e.processReceptions(ctx, r, receptions)
	return nil
}

func (e *Engine) finish(ctx context.Context, r *runState, execErr error) (*model.RunSummary, error) {
	run := r.summary
	finished := e.now().UTC()
	run.FinishedAt = &finished

	abortErr := r.abortErr()
	var runErr error
	switch {
	case abortErr != nil:
		run.Status = model.RunStatusFailed
		runErr = abortErr
	case execErr != nil && ctx.Err() != nil:
		run.Status = model.RunStatusCancelled
		runErr = ctx.Err()
	case execErr != nil:
		run.Status = model.RunStatusFailed
		runErr = execErr
	case r.cancelled.Load():
		run.Status = model.RunStatusCancelled
		runErr = ctx.Err()
	default:
		run.Status = model.RunStatusCompleted
	}
	if run.Status == model.RunStatusFailed {
		run.Error = runErr.Error()
	}

	persist := context.WithoutCancel(ctx)
	if run.Status == model.RunStatusCompleted && run.Mode != model.RunSingle {
		scopes := []string{store.ScopeReceptions}
		if e.opts.IncludePatients {
			scopes = append(scopes, store.ScopePatients)
		}
		for _, scope := range scopes {
			if err := e.st.SetHighWaterMark(persist, scope, run.StartedAt); err != nil {
				r.log.Error("failed to advance high-water mark", zap.String("scope", scope), zap.Error(err))
				run.Error = err.Error()
			}
		}
	}

	if err := e.st.FinishRun(persist, run); err != nil {
		r.log.Error("failed to record run result", zap.Error(err))
	}
	e.metrics.run(persist, run)

	fields := []zap.Field{
		zap.String("status", string(run.Status)),
		zap.Int("created", run.Receptions.Created),
		zap.Int("updated", run.Receptions.Updated),
		zap.Int("skipped", run.Receptions.Skipped),
		zap.Int("failed", run.Receptions.Failed),
		zap.Int("patients", run.Patients.Total()),
		zap.Int("primary", run.Primary),
		zap.Int("secondary", run.Secondary),
		zap.Duration("elapsed", finished.Sub(run.StartedAt)),
	}
	if runErr != nil {
		fields = append(fields, zap.Error(runErr))
	}
	if run.Status == model.RunStatusFailed {
		r.log.Error("sync run failed", fields...)
		return run, eris.Wrap(runErr, "crmsync: run failed")
	}
	r.log.Info("sync run finished", fields...)
	if run.Status == model.RunStatusCancelled {
		return run, runErr
	}
	return run, nil
}

func (e *Engine) since(ctx context.Context, scope string, explicit *time.Time, started time.Time) (*time.Time, error) {
	if explicit != nil {
		t := explicit.UTC()
		return &t, nil
	}
	mark, err := e.st.HighWaterMark(ctx, scope)
	if err != nil {
		return nil, eris.Wrapf(err, "crmsync: read %s mark", scope)
	}
	if mark != nil {
		return mark, nil
	}
	t := started.Add(-e.opts.InitialLookback)
	return &t, nil
}

func (e *Engine) processReceptions(ctx context.Context, r *runState, recs []model.Reception) {
	e.forEach(ctx, r, len(recs), func(wctx context.Context, i int) {
		o := e.syncReception(wctx, r, recs[i])
		r.record(model.EntityReception, o)
		e.metrics.record(wctx, model.EntityReception, o)
	})
}

func (e *Engine) processPatients(ctx context.Context, r *runState, patients []model.Patient) {
	e.forEach(ctx, r, len(patients), func(wctx context.Context, i int) {
		o := e.syncPatient(wctx, r, &patients[i])
		r.record(model.EntityPatient, o)
		e.metrics.record(wctx, model.EntityPatient, o)
	})
}

// forEach runs fn for items 0..n-1 on the worker pool. A record that has
// started runs to completion on a context that ignores cancellation; no
// record starts once ctx is done or the run was aborted.
func (e *Engine) forEach(ctx context.Context, r *runState, n int, fn func(context.Context, int)) {
	work := context.WithoutCancel(ctx)
	g := new(errgroup.Group)
	g.SetLimit(e.opts.Workers)
	for i := 0; i < n; i++ {
		if r.stopped(ctx) {
			break
		}
		g.Go(func() error {
			if r.stopped(ctx) {
				return nil
			}
			fn(work, i)
			return nil
		})
	}
	_ = g.Wait()
}

func (e *Engine) syncReception(ctx context.Context, r *runState, rec model.Reception) model.Outcome {
	key := rec.Key()
	log := r.log.With(zap.String("reception", key))

	if rec.Patient == nil {
		return failed(model.EntityReception, key, model.ErrSource, eris.New("reception has no patient"))
	}

	completed, err := e.src.CompletedReceptionCount(ctx, rec.PatientID, rec.ID)
	if err != nil {
		return failed(model.EntityReception, key, model.ErrSource, err)
	}
	funnel := ClassifyFunnel(completed)

	// Receptions of one patient are serialized so a new patient gets one contact.
	unlock := r.contacts.lock(rec.PatientID)
	defer unlock()

	match, err := e.resolver.Resolve(ctx, rec, rec.Patient)
	if err != nil {
		return failed(model.EntityReception, key, Classify(err), err)
	}
	contact, err := e.payloads.Contact(rec.Patient)
	if err != nil {
		return failed(model.EntityReception, key, Classify(err), err)
	}
	// An existing lead keeps the funnel it was created with.
	leadFunnel := funnel
	if match.IsLead() {
		leadFunnel = 0
	}
	lead, err := e.payloads.Lead(rec, leadFunnel)
	if err != nil {
		return failed(model.EntityReception, key, Classify(err), err)
	}

	req := UpsertRequest{Reception: rec, Match: match, Funnel: funnel, Contact: contact, Lead: lead}
	if !match.Found() {
		req.ContactID = r.contacts.get(rec.PatientID)
	}

	o := e.coord.Upsert(ctx, req)
	if o.ContactID != 0 && !match.IsLead() {
		r.contacts.put(rec.PatientID, o.ContactID)
	}

	if o.Failed() {
		log.Warn("reception sync failed",
			zap.String("kind", string(o.ErrKind)), zap.Bool("partial", o.Partial), zap.Error(o.Err))
	} else {
		log.Debug("reception synced",
			zap.String("outcome", string(o.Kind)),
			zap.String("tier", o.Tier.String()),
			zap.Int("lead_id", o.LeadID),
			zap.Int("contact_id", o.ContactID),
			zap.Int("completed_before", completed))
	}
	return o
}

// syncPatient upserts the patient's contact: found by patient-id field,
// then by phone; updated in place or created.
func (e *Engine) syncPatient(ctx context.Context, r *runState, p *model.Patient) model.Outcome {
	key := strconv.FormatInt(p.ID, 10)

	unlock := r.contacts.lock(p.ID)
	defer unlock()

	contact, err := e.payloads.Contact(p)
	if err != nil {
		return failed(model.EntityPatient, key, Classify(err), err)
	}

	existing, err := e.findPatientContact(ctx, p)
	if err != nil {
		return failed(model.EntityPatient, key, Classify(err), err)
	}

	if existing != 0 {
		contact.ID = existing
		if err := e.crm.UpdateContact(ctx, contact); err != nil {
			return failed(model.EntityPatient, key, Classify(err), eris.Wrapf(err, "update contact %d", existing))
		}
		r.contacts.put(p.ID, existing)
		return model.Outcome{RecordID: key, Kind: model.OutcomeUpdated, ContactID: existing}
	}

	ids, err := e.crm.CreateContacts(ctx, []amocrm.Contact{contact})
	if err == nil && len(ids) == 0 {
		err = eris.New("no id returned")
	}
	if err != nil {
		return failed(model.EntityPatient, key, Classify(err), eris.Wrap(err, "create contact"))
	}
	r.contacts.put(p.ID, ids[0])
	return model.Outcome{RecordID: key, Kind: model.OutcomeCreated, ContactID: ids[0]}
}

func (e *Engine) findPatientContact(ctx context.Context, p *model.Patient) (int, error) {
	contacts, err := amocrm.FindContactsByField(ctx, e.crm,
		e.fields.ContactFieldID(fieldmap.ContactPatientID), strconv.FormatInt(p.ID, 10))
	if err != nil {
		return 0, err
	}
	if len(contacts) == 0 {
		contacts, err = amocrm.FindContactsByPhone(ctx, e.crm, p.PrimaryPhone(), e.fields.ContactFieldID(fieldmap.ContactPhone))
		if err != nil {
			return 0, err
		}
	}
	if len(contacts) == 0 {
		return 0, nil
	}
	return PickMostRecentContact(contacts).ID, nil
}

func failed(entity, key string, kind ErrorKind, err error) model.Outcome {
	return model.Outcome{
		RecordID: key,
		Kind:     model.OutcomeFailed,
		ErrKind:  kind,
		Err:      &RecordError{Entity: entity, RecordID: key, Kind: kind, Err: err},
	}
}

func sourceError(what string, err error) error {
	return &RecordError{Entity: "source", RecordID: what, Kind: model.ErrSource, Err: err}
}

// runState is the mutable part of one run.
type runState struct {
	mu        sync.Mutex
	summary   *model.RunSummary
	fatal     error
	aborted   atomic.Bool
	cancelled atomic.Bool
	contacts  *contactRegistry
	log       *zap.Logger
}

func (r *runState) record(entity string, o model.Outcome) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.summary.Record(entity, o)
	if o.Failed() && IsRunFatal(o.ErrKind) && r.fatal == nil {
		r.fatal = o.Err
		r.aborted.Store(true)
		r.log.Error("destination unusable, stopping run", zap.String("kind", string(o.ErrKind)), zap.Error(o.Err))
	}
}

func (r *runState) abortErr() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.fatal
}

// stopped reports whether no further record may start.
func (r *runState) stopped(ctx context.Context) bool {
	if r.aborted.Load() {
		return true
	}
	if ctx.Err() != nil {
		r.cancelled.Store(true)
		return true
	}
	return false
}

// contactRegistry remembers contacts written during a run, keyed by
// patient id.
type contactRegistry struct {
	mu    sync.Mutex
	ids   map[int64]int
	locks map[int64]*sync.Mutex
}

func newContactRegistry() *contactRegistry {
	return &contactRegistry{ids: make(map[int64]int), locks: make(map[int64]*sync.Mutex)}
}

func (c *contactRegistry) lock(patientID int64) func() {
	c.mu.Lock()
	l, ok := c.locks[patientID]
	if !ok {
		l = &sync.Mutex{}
		c.locks[patientID] = l
	}
	c.mu.Unlock()
	l.Lock()
	return l.Unlock
}

func (c *contactRegistry) get(patientID int64) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ids[patientID]
}

func (c *contactRegistry) put(patientID int64, contactID int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ids[patientID] = contactID
}
