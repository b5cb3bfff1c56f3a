package installer

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/require"

	"github.com/oshokin/fwforge/internal/config"
	"github.com/oshokin/fwforge/internal/device"
	"github.com/oshokin/fwforge/internal/device/devicetest"
	"github.com/oshokin/fwforge/internal/install"
	"github.com/oshokin/fwforge/internal/repository/report"
)

const (
	testDeviceID    = "00008030-001A2B3C4D5E"
	testProductType = "iPhone12,1"
	testOSVersion   = "17.1"
)

// workspace is a config file with every path under a temp directory.
type workspace struct {
	dir      string
	cfgPath  string
	reports  string
	textfile string
	cfg      *config.Config
}

func newWorkspace(t *testing.T) *workspace {
	t.Helper()

	dir := t.TempDir()
	artifact := filepath.Join(dir, "custom.ipsw")

	var buf bytes.Buffer

	zw := zip.NewWriter(&buf)
	w, err := zw.Create("kernelcache")
	require.NoError(t, err)
	_, err = w.Write([]byte("kernel"))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	require.NoError(t, os.WriteFile(artifact, buf.Bytes(), 0o600))

	ws := &workspace{
		dir:      dir,
		cfgPath:  filepath.Join(dir, "fwforge.yaml"),
		reports:  filepath.Join(dir, "reports"),
		textfile: filepath.Join(dir, "install.prom"),
	}

	ws.cfg = &config.Config{Install: config.Install{
		TargetProductType: testProductType,
		TargetOSVersion:   testOSVersion,
		Artifact:          artifact,
		BackupDir:         filepath.Join(dir, "backups"),
		LockDir:           filepath.Join(dir, "locks"),
		ManualMode:        config.Poll{Interval: time.Millisecond, MaxAttempts: 2},
		PostFlash: config.PostFlash{
			SettleDelay:    time.Millisecond,
			MaxAttempts:    2,
			InitialBackoff: time.Millisecond,
			MaxBackoff:     time.Millisecond,
		},
		Report:          config.Report{Store: config.ReportStoreFile, Path: ws.reports},
		MetricsTextfile: ws.textfile,
	}}

	return ws
}

// save writes the config file.
func (ws *workspace) save(t *testing.T) {
	t.Helper()

	require.NoError(t, config.Save(ws.cfgPath, ws.cfg))
}

// storedReport loads the only persisted report.
func (ws *workspace) storedReport(t *testing.T) *install.Report {
	t.Helper()

	repo, err := report.NewFileRepository(ws.reports)
	require.NoError(t, err)

	ids, err := repo.List(context.Background())
	require.NoError(t, err)
	require.Len(t, ids, 1)

	rep, err := repo.Load(context.Background(), ids[0])
	require.NoError(t, err)

	return rep
}

func healthyDevice() *devicetest.Fake {
	before := device.Identity{ID: testDeviceID, ProductType: testProductType, OSVersion: "16.4"}
	after := before
	after.OSVersion = testOSVersion

	return &devicetest.Fake{
		Devices:    []device.Identity{before},
		AfterFlash: []device.Identity{after},
	}
}

// TestRun_Unattended completes with config-driven confirmations and persists the report.
func TestRun_Unattended(t *testing.T) {
	t.Parallel()

	ws := newWorkspace(t)
	ws.cfg.Install.StatusAddress = "127.0.0.1:0"
	ws.save(t)

	var out bytes.Buffer

	fake := healthyDevice()

	err := Run(context.Background(), &Options{
		ConfigPath: ws.cfgPath,
		AssumeYes:  true,
		FlashToken: "ERASE " + testDeviceID,
		In:         strings.NewReader(""),
		Out:        &out,
		Handle:     fake,
	})
	require.NoError(t, err)
	require.Equal(t, 1, fake.Count("flash"))

	rep := ws.storedReport(t)
	require.Equal(t, install.StateCompleted, rep.State)
	require.Equal(t, testOSVersion, rep.PostFlashOSVersion)
	require.True(t, rep.HasWarning(install.WarningArtifactSizeUnknown))

	require.Contains(t, out.String(), "State:     completed")
	require.Contains(t, out.String(), string(install.WarningArtifactSizeUnknown))

	prom, err := os.ReadFile(ws.textfile)
	require.NoError(t, err)
	require.Contains(t, string(prom), "fwforge_install_sessions_total")
}

// TestRun_Interactive reads the manual-mode answer and the flash token from the terminal.
func TestRun_Interactive(t *testing.T) {
	t.Parallel()

	ws := newWorkspace(t)
	ws.save(t)

	var out bytes.Buffer

	err := Run(context.Background(), &Options{
		ConfigPath: ws.cfgPath,
		In:         strings.NewReader("y\nERASE " + testDeviceID + "\n"),
		Out:        &out,
		Handle:     healthyDevice(),
	})
	require.NoError(t, err)
	require.Contains(t, out.String(), "DFU mode")
	require.Contains(t, out.String(), "ERASE "+testDeviceID)
	require.Equal(t, install.StateCompleted, ws.storedReport(t).State)
}

// TestRun_AssumeYesStillAsksForToken keeps the flash token interactive without a configured one.
func TestRun_AssumeYesStillAsksForToken(t *testing.T) {
	t.Parallel()

	ws := newWorkspace(t)
	ws.save(t)

	var out bytes.Buffer

	fake := healthyDevice()

	err := Run(context.Background(), &Options{
		ConfigPath: ws.cfgPath,
		AssumeYes:  true,
		In:         strings.NewReader("wrong token\n"),
		Out:        &out,
		Handle:     fake,
	})
	require.ErrorIs(t, err, install.ErrFailed)
	require.Zero(t, fake.Count("flash"))

	rep := ws.storedReport(t)
	require.Equal(t, install.StateFailed, rep.State)
	require.Equal(t, install.ReasonFlashNotConfirmed, rep.Failure.Reason)
	require.Contains(t, out.String(), string(install.ReasonFlashNotConfirmed))
}

// TestRun_NoDevice fails, still saving the report, and survives an unreachable broker.
func TestRun_NoDevice(t *testing.T) {
	t.Parallel()

	ws := newWorkspace(t)
	ws.cfg.Install.NATSURL = "nats://127.0.0.1:1"
	ws.save(t)

	var out bytes.Buffer

	err := Run(context.Background(), &Options{
		ConfigPath: ws.cfgPath,
		AssumeYes:  true,
		Out:        &out,
		Handle:     &devicetest.Fake{},
	})
	require.ErrorIs(t, err, install.ErrFailed)

	var failure *install.Failure
	require.ErrorAs(t, err, &failure)
	require.Equal(t, install.ReasonNoDeviceFound, failure.Reason)

	rep := ws.storedReport(t)
	require.Equal(t, install.StateFailed, rep.State)
	require.Contains(t, out.String(), "Failure:")
}

// TestRun_RequiresArtifact rejects a config without an artifact before touching devices.
func TestRun_RequiresArtifact(t *testing.T) {
	t.Parallel()

	ws := newWorkspace(t)
	ws.cfg.Install.Artifact = ""
	ws.save(t)

	fake := &devicetest.Fake{}

	err := Run(context.Background(), &Options{ConfigPath: ws.cfgPath, Handle: fake, Out: &bytes.Buffer{}})
	require.Error(t, err)
	require.Empty(t, fake.Calls())
}

// TestShowReports lists saved sessions and prints one.
func TestShowReports(t *testing.T) {
	t.Parallel()

	ws := newWorkspace(t)
	ws.save(t)

	err := Run(context.Background(), &Options{
		ConfigPath: ws.cfgPath,
		AssumeYes:  true,
		FlashToken: "ERASE " + testDeviceID,
		Out:        &bytes.Buffer{},
		Handle:     healthyDevice(),
	})
	require.NoError(t, err)

	var list bytes.Buffer
	require.NoError(t, ShowReports(context.Background(), ws.cfgPath, "", &list))

	id := strings.TrimSpace(list.String())
	require.Equal(t, ws.storedReport(t).SessionID, id)

	var shown bytes.Buffer
	require.NoError(t, ShowReports(context.Background(), ws.cfgPath, id, &shown))
	require.Contains(t, shown.String(), "state: completed")
	require.Contains(t, shown.String(), "session_id: "+id)

	require.ErrorIs(t, ShowReports(context.Background(), ws.cfgPath, "missing", &bytes.Buffer{}), report.ErrNotFound)
}
