package install

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/oshokin/fwforge/internal/device"
	"github.com/oshokin/fwforge/internal/firmware/archive"
	"github.com/oshokin/fwforge/internal/logger"
	"github.com/oshokin/fwforge/internal/version"
)

const (
	// backupDirPermissions is used for backup destinations.
	backupDirPermissions = 0o750
	// backupTimeLayout stamps backup directory names.
	backupTimeLayout = "20060102T150405Z"
)

// Orchestrator runs installation sessions against one device handle.
type Orchestrator struct {
	// settings is the immutable session configuration.
	settings Settings
	// handle controls the device.
	handle device.Handle
	// confirmer answers decision points.
	confirmer Confirmer
	// observer is notified of progress.
	observer Observer
	// locker grants exclusive device ownership.
	locker Locker
	// now is the clock.
	now func() time.Time
	// sleep waits between polls.
	sleep func(ctx context.Context, d time.Duration) error
	// newID generates session identifiers.
	newID func() string
	// restoreInfo reads boot metadata from the artifact.
	restoreInfo func(path string) (*archive.RestoreInfo, error)
	// operator is recorded on every session.
	operator Operator
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithObserver sets the progress observer.
func WithObserver(observer Observer) Option {
	return func(o *Orchestrator) {
		if observer != nil {
			o.observer = observer
		}
	}
}

// WithLocker sets the device locker.
func WithLocker(locker Locker) Option {
	return func(o *Orchestrator) {
		if locker != nil {
			o.locker = locker
		}
	}
}

// WithClock replaces the wall clock.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

// WithSleep replaces the delay used between polls.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(o *Orchestrator) {
		if sleep != nil {
			o.sleep = sleep
		}
	}
}

// WithSessionIDs replaces session id generation.
func WithSessionIDs(newID func() string) Option {
	return func(o *Orchestrator) {
		if newID != nil {
			o.newID = newID
		}
	}
}

// WithRestoreInfoReader replaces the artifact metadata reader.
func WithRestoreInfoReader(read func(path string) (*archive.RestoreInfo, error)) Option {
	return func(o *Orchestrator) {
		if read != nil {
			o.restoreInfo = read
		}
	}
}

// WithOperator records who runs the sessions.
func WithOperator(operator Operator) Option {
	return func(o *Orchestrator) {
		o.operator = operator
	}
}

// New returns an orchestrator. A nil confirmer declines every request.
func New(settings Settings, handle device.Handle, confirmer Confirmer, opts ...Option) *Orchestrator {
	if confirmer == nil {
		confirmer = ConfirmerFunc(func(context.Context, ConfirmationRequest) (Decision, error) {
			return Decision{}, nil
		})
	}

	o := &Orchestrator{
		settings:    settings,
		handle:      handle,
		confirmer:   confirmer,
		observer:    NopObserver{},
		locker:      NewFileLocker(filepath.Join(os.TempDir(), "fwforge-locks")),
		now:         time.Now,
		sleep:       sleepContext,
		newID:       uuid.NewString,
		restoreInfo: archive.ReadRestoreInfo,
	}

	for _, opt := range opts {
		opt(o)
	}

	return o
}

// Run executes one session to a terminal state.
// The report is returned in every case; a failed session also returns its *Failure.
func (o *Orchestrator) Run(ctx context.Context) (*Report, error) {
	r := &run{
		o: o,
		session: &Session{
			ID:           o.newID(),
			State:        StateIdle,
			Operator:     o.operator,
			ArtifactPath: o.settings.ArtifactPath,
			StartedAt:    o.now(),
		},
	}

	ctx = logger.WithSession(logger.WithName(ctx, "orchestrator"), r.session.ID)

	logger.InfoKV(ctx, "Installation session started", "artifact", o.settings.ArtifactPath)

	err := r.execute(ctx)

	report := r.finish(context.WithoutCancel(ctx), err)
	if err != nil {
		return report, err
	}

	return report, nil
}

// step is one non-terminal state and its action.
type step struct {
	state  State
	action func(ctx context.Context) error
}

// run is the state of one in-flight session.
type run struct {
	o       *Orchestrator
	session *Session
	unlock  func() error
}

func (r *run) execute(ctx context.Context) error {
	steps := []step{
		{state: StateDetecting, action: r.detect},
		{state: StateVerifyingCompatibility, action: r.verifyCompatibility},
		{state: StateBackingUp, action: r.backup},
		{state: StateVerifyingArtifact, action: r.verifyArtifact},
		{state: StateAwaitingManualMode, action: r.awaitManualMode},
		{state: StateFlashing, action: r.flash},
		{state: StateVerifyingPostFlash, action: r.verifyPostFlash},
	}

	for _, s := range steps {
		if r.session.flashed {
			// A partial flash bricks the device; aborts are no longer honored.
			ctx = context.WithoutCancel(ctx)
		} else if err := ctx.Err(); err != nil {
			return r.fail(ReasonCancelled, "aborted before "+string(s.state), err)
		}

		if s.state.Destructive() {
			r.session.flashed = true
			ctx = context.WithoutCancel(ctx)
		}

		r.transition(ctx, s.state)

		if err := s.action(ctx); err != nil {
			return err
		}
	}

	return nil
}

func (r *run) finish(ctx context.Context, err error) *Report {
	if err != nil {
		var failure *Failure
		if !errors.As(err, &failure) {
			failure = &Failure{Reason: ReasonCancelled, State: r.session.State, Diagnostic: err.Error(), Err: err}
		}

		r.session.Failure = failure
		r.session.logf(r.o.now(), "failed: %s: %s", failure.Reason, failure.Diagnostic)

		logger.ErrorKV(ctx, "Installation failed",
			"reason", failure.Reason, "state", failure.State, "diagnostic", failure.Diagnostic)

		r.transition(ctx, StateFailed)
	} else {
		r.transition(ctx, StateCompleted)
	}

	if r.unlock != nil {
		if unlockErr := r.unlock(); unlockErr != nil {
			logger.WarnKV(ctx, "Release device lock failed", "error", unlockErr)
		}
	}

	report := r.session.report(r.o.now(), version.Tool())

	logger.InfoKV(ctx, "Installation session finished",
		"state", report.State,
		"warnings", len(report.Warnings),
		"backup_succeeded", report.BackupSucceeded,
		"duration", report.Duration.String())

	r.o.observer.OnFinish(ctx, report)

	return report
}

func (r *run) transition(ctx context.Context, to State) {
	t := Transition{From: r.session.State, To: to, At: r.o.now()}

	r.session.State = to
	r.session.Transitions = append(r.session.Transitions, t)
	r.session.logf(t.At, "%s -> %s", t.From, t.To)

	logger.InfoKV(ctx, "State changed", "from", t.From, "to", t.To)

	r.o.observer.OnTransition(ctx, r.session, t)
}

func (r *run) warn(ctx context.Context, code WarningCode, format string, args ...any) {
	w := Warning{Code: code, State: r.session.State, Message: fmt.Sprintf(format, args...)}

	r.session.Warnings = append(r.session.Warnings, w)
	r.session.logf(r.o.now(), "warning %s: %s", w.Code, w.Message)

	logger.WarnKV(ctx, "Installation warning", "code", w.Code, "message", w.Message)

	r.o.observer.OnWarning(ctx, r.session, w)
}

func (r *run) fail(reason Reason, diagnostic string, err error) *Failure {
	return &Failure{Reason: reason, State: r.session.State, Diagnostic: diagnostic, Err: err}
}

func (r *run) confirm(ctx context.Context, kind ConfirmationKind, token, format string, args ...any) (Decision, error) {
	request := ConfirmationRequest{
		Kind:      kind,
		SessionID: r.session.ID,
		Device:    r.session.Device,
		Prompt:    fmt.Sprintf(format, args...),
		Token:     token,
	}

	return r.o.confirmer.Confirm(ctx, request)
}

// detect enumerates devices, picks the target and locks it.
func (r *run) detect(ctx context.Context) error {
	settings := &r.o.settings

	callCtx, cancel := callContext(ctx, settings.EnumerateTimeout)
	defer cancel()

	devices, err := r.o.handle.ListDevices(callCtx)
	if err != nil {
		return r.fail(ReasonDeviceQueryFailed, device.Diagnostic(err), err)
	}

	if len(devices) == 0 {
		return r.fail(ReasonNoDeviceFound, "no devices connected", nil)
	}

	chosen, matched := devices[0], false

	if settings.TargetProductType != "" {
		for _, d := range devices {
			if d.ProductType == settings.TargetProductType {
				chosen, matched = d, true

				break
			}
		}
	}

	if len(devices) > 1 && !matched {
		r.warn(ctx, WarningCompatibility, "%d devices connected and none is %q, using the first one (%s)",
			len(devices), settings.TargetProductType, chosen.ID)
	}

	r.session.Device = chosen

	unlock, err := r.o.locker.Lock(chosen.ID)
	if err != nil {
		return r.fail(ReasonSessionLocked, err.Error(), err)
	}

	r.unlock = unlock

	logger.InfoKV(ctx, "Device selected", "device", chosen.ID, "product_type", chosen.ProductType)

	return nil
}

// verifyCompatibility re-queries the device and compares its product type with the target.
func (r *run) verifyCompatibility(ctx context.Context) error {
	settings := &r.o.settings

	identity, err := r.query(ctx)
	if err != nil {
		return r.fail(ReasonDeviceQueryFailed, device.Diagnostic(err), err)
	}

	r.session.Device = identity

	if settings.TargetProductType == "" || identity.ProductType == settings.TargetProductType {
		return nil
	}

	if settings.Strict {
		return r.fail(ReasonDeviceMismatch,
			fmt.Sprintf("device %s is %q, expected %q", identity.ID, identity.ProductType, settings.TargetProductType),
			nil)
	}

	r.warn(ctx, WarningProductMismatch, "device %s is %q, expected %q; continuing because strict mode is off",
		identity.ID, identity.ProductType, settings.TargetProductType)

	return nil
}

// backup stores a timestamped backup. Failure is recorded and the session continues.
func (r *run) backup(ctx context.Context) error {
	settings := &r.o.settings
	id := r.session.Device.ID

	dest := filepath.Join(settings.BackupDir, sanitizeID(id)+"-"+r.o.now().UTC().Format(backupTimeLayout))
	r.session.BackupPath = dest

	if err := os.MkdirAll(dest, backupDirPermissions); err != nil {
		r.warn(ctx, WarningBackupFailed, "create backup directory: %v; continuing without a backup", err)

		return nil
	}

	callCtx, cancel := callContext(ctx, settings.BackupTimeout)
	defer cancel()

	if err := r.o.handle.Backup(callCtx, id, dest); err != nil {
		r.warn(ctx, WarningBackupFailed, "backup of %s failed, continuing without a backup: %s",
			id, device.Diagnostic(err))

		return nil
	}

	r.session.BackupSucceeded = true

	logger.InfoKV(ctx, "Backup stored", "path", dest)

	return nil
}

// verifyArtifact checks the artifact exists, is plausibly sized and matches the target metadata.
func (r *run) verifyArtifact(ctx context.Context) error {
	settings := &r.o.settings
	path := settings.ArtifactPath

	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return r.fail(ReasonArtifactMissing, "artifact does not exist: "+path, err)
		}

		return r.fail(ReasonArtifactMissing, err.Error(), err)
	}

	if info.IsDir() {
		return r.fail(ReasonArtifactMissing, "artifact is a directory: "+path, nil)
	}

	r.session.ArtifactSize = info.Size()

	if info.Size() == 0 {
		return r.fail(ReasonArtifactRejected, "artifact is empty: "+path, nil)
	}

	if err = r.checkSize(ctx, info.Size()); err != nil {
		return err
	}

	return r.checkMetadata(ctx)
}

func (r *run) checkSize(ctx context.Context, size int64) error {
	settings := &r.o.settings

	expected, known := settings.ExpectedSize(settings.TargetOSVersion)
	if !known {
		r.warn(ctx, WarningArtifactSizeUnknown, "no expected size for OS version %q, size check skipped",
			settings.TargetOSVersion)

		return nil
	}

	threshold := int64(float64(expected) * settings.MinSizeRatio)
	if size >= threshold {
		return nil
	}

	decision, err := r.confirm(ctx, ConfirmUndersizedArtifact, "",
		"Artifact is %d bytes, below %d (%.0f%% of the stock %d). Continue anyway?",
		size, threshold, settings.MinSizeRatio*100, expected)
	if err != nil {
		return r.fail(ReasonArtifactRejected, "confirmation failed: "+err.Error(), err)
	}

	if !decision.Approved {
		return r.fail(ReasonArtifactRejected,
			fmt.Sprintf("artifact is %d bytes, expected at least %d", size, threshold), nil)
	}

	r.warn(ctx, WarningArtifactUndersized, "artifact is %d bytes, expected at least %d; accepted by operator",
		size, threshold)

	return nil
}

func (r *run) checkMetadata(ctx context.Context) error {
	settings := &r.o.settings

	info, err := r.o.restoreInfo(settings.ArtifactPath)

	switch {
	case errors.Is(err, archive.ErrNoRestoreInfo):
		logger.DebugKV(ctx, "Artifact has no boot metadata")

		return nil
	case errors.Is(err, archive.ErrCorrupt):
		// A signer may wrap the container; the restore tool validates what it flashes.
		r.warn(ctx, WarningArtifactMetadata, "artifact is not a readable container, boot metadata not checked: %v", err)

		return nil
	case err != nil:
		r.warn(ctx, WarningArtifactMetadata, "read boot metadata: %v", err)

		return nil
	}

	productType := r.session.Device.ProductType
	if productType == "" {
		productType = settings.TargetProductType
	}

	if productType != "" && len(info.SupportedProductTypes) > 0 && !info.Supports(productType) {
		r.warn(ctx, WarningArtifactMetadata, "artifact supports %v, not %q", info.SupportedProductTypes, productType)
	}

	if settings.TargetOSVersion != "" && info.ProductVersion != "" && info.ProductVersion != settings.TargetOSVersion {
		r.warn(ctx, WarningArtifactMetadata, "artifact installs %s, target is %s",
			info.ProductVersion, settings.TargetOSVersion)
	}

	return nil
}

// awaitManualMode asks the operator for DFU entry, polls for it and then asks for the flash token.
func (r *run) awaitManualMode(ctx context.Context) error {
	settings := &r.o.settings
	id := r.session.Device.ID

	decision, err := r.confirm(ctx, ConfirmManualMode, "",
		"Put device %s into DFU mode now, then confirm", id)
	if err != nil {
		return r.fail(ReasonCancelled, "manual mode confirmation failed: "+err.Error(), err)
	}

	if !decision.Approved {
		return r.fail(ReasonCancelled, "operator declined manual mode entry", nil)
	}

	attempts := max(settings.ManualModeAttempts, 1)
	entered := false

	for attempt := 1; attempt <= attempts; attempt++ {
		if err = ctx.Err(); err != nil {
			return r.fail(ReasonCancelled, "aborted while waiting for DFU mode", err)
		}

		err = r.o.handle.WaitForMode(ctx, id, device.ModeDFU, settings.ManualModeInterval)
		if err == nil {
			entered = true

			break
		}

		logger.InfoKV(ctx, "Device not in DFU mode yet", "attempt", attempt, "max_attempts", attempts, "error", err)
	}

	if !entered {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return r.fail(ReasonCancelled, "aborted while waiting for DFU mode", ctxErr)
		}

		return r.fail(ReasonManualModeTimeout,
			fmt.Sprintf("device %s did not enter DFU mode after %d attempts of %s",
				id, attempts, settings.ManualModeInterval),
			err)
	}

	r.session.logf(r.o.now(), "device %s entered DFU mode", id)

	return r.authorizeFlash(ctx)
}

// authorizeFlash requires the exact erase token before the destructive step.
func (r *run) authorizeFlash(ctx context.Context) error {
	id := r.session.Device.ID
	token := r.o.settings.flashToken(id)

	decision, err := r.confirm(ctx, ConfirmFlash, token,
		"Flashing erases everything on %s and cannot be undone. Type %q to continue", id, token)
	if err != nil {
		return r.fail(ReasonFlashNotConfirmed, "flash confirmation failed: "+err.Error(), err)
	}

	if !decision.Approved || decision.Token != token {
		return r.fail(ReasonFlashNotConfirmed, "flash token was not supplied", nil)
	}

	return nil
}

// flash runs the restore exactly once.
func (r *run) flash(ctx context.Context) error {
	settings := &r.o.settings

	callCtx, cancel := callContext(ctx, settings.FlashTimeout)
	defer cancel()

	logger.InfoKV(ctx, "Flashing device", "device", r.session.Device.ID, "artifact", settings.ArtifactPath)

	if err := r.o.handle.Flash(callCtx, r.session.Device.ID, settings.ArtifactPath); err != nil {
		return r.fail(ReasonFlashFailed, device.Diagnostic(err), err)
	}

	return nil
}

// verifyPostFlash waits for re-enumeration with doubling backoff and compares the OS version.
func (r *run) verifyPostFlash(ctx context.Context) error {
	settings := &r.o.settings
	id := r.session.Device.ID

	_ = r.o.sleep(ctx, settings.SettleDelay)

	attempts := max(settings.PostFlashAttempts, 1)
	backoff := settings.InitialBackoff

	for attempt := 1; attempt <= attempts; attempt++ {
		identity, found := r.reenumerate(ctx, id)
		if found {
			r.session.Device = identity
			r.session.PostFlashOSVersion = identity.OSVersion

			if settings.TargetOSVersion != "" && identity.OSVersion != settings.TargetOSVersion {
				r.warn(ctx, WarningOSVersionMismatch, "device reports OS %q after flashing, expected %q",
					identity.OSVersion, settings.TargetOSVersion)
			}

			return nil
		}

		logger.InfoKV(ctx, "Device not back yet", "attempt", attempt, "max_attempts", attempts)

		if attempt < attempts {
			_ = r.o.sleep(ctx, backoff)
			backoff = min(backoff*2, max(settings.MaxBackoff, settings.InitialBackoff))
		}
	}

	r.warn(ctx, WarningPostFlashUnverified, "device %s did not re-enumerate after %d attempts", id, attempts)

	return nil
}

// reenumerate reports the fresh identity of id if it is connected.
func (r *run) reenumerate(ctx context.Context, id string) (device.Identity, bool) {
	callCtx, cancel := callContext(ctx, r.o.settings.EnumerateTimeout)
	devices, err := r.o.handle.ListDevices(callCtx)

	cancel()

	if err != nil {
		logger.DebugKV(ctx, "Enumeration failed", "error", err)

		return device.Identity{}, false
	}

	for _, d := range devices {
		if d.ID != id {
			continue
		}

		identity, err := r.query(ctx)
		if err != nil {
			logger.DebugKV(ctx, "Query after flash failed", "error", err)

			return device.Identity{}, false
		}

		return identity, true
	}

	return device.Identity{}, false
}

func (r *run) query(ctx context.Context) (device.Identity, error) {
	callCtx, cancel := callContext(ctx, r.o.settings.QueryTimeout)
	defer cancel()

	identity, err := r.o.handle.QueryInfo(callCtx, r.session.Device.ID)
	if err != nil {
		return device.Identity{}, err
	}

	if identity.ID == "" {
		identity.ID = r.session.Device.ID
	}

	return identity, nil
}

// callContext applies timeout when it is positive.
func callContext(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}

	return context.WithTimeout(ctx, timeout)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
