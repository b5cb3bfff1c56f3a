package integration

import (
	"bytes"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/require"
	"howett.net/plist"

	"github.com/oshokin/fwforge/internal/config"
	"github.com/oshokin/fwforge/internal/device"
	"github.com/oshokin/fwforge/internal/device/devicetest"
	"github.com/oshokin/fwforge/internal/firmware/archive"
)

const (
	deviceID    = "00008101-000A1B2C3D4E"
	productType = "iPhone13,2"
	osVersion   = "17.1"
)

// kernel holds a recognizable instruction at offset 8.
var kernel = []byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0x20, 0x00, 0x80, 0x52, 0xc0, 0x03, 0x5f, 0xd6}

const patchTable = `
component: kernelcache
target:
  product_type: iPhone13,2
  os_version: "17.1"
patches:
  - description: return 1 from signature check
    offset: 8
    original: "20008052"
    patched: "00008052"
  - description: sandbox hook
    offset: 0x4000
    original: "00"
    patched: "01"
    unresolved: true
`

// reservePort returns a free local address.
func reservePort(t *testing.T) string {
	t.Helper()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	addr := l.Addr().String()
	_ = l.Close()

	return addr
}

// writeBaseArchive writes a stock-like container with boot metadata.
func writeBaseArchive(t *testing.T, path string, info *archive.RestoreInfo) {
	t.Helper()

	manifest, err := plist.Marshal(info, plist.XMLFormat)
	require.NoError(t, err)

	var buf bytes.Buffer

	zw := zip.NewWriter(&buf)

	for _, entry := range []struct {
		name string
		data []byte
	}{
		{archive.RestoreManifestName, manifest},
		{config.DefaultKernelComponent, kernel},
		{"Firmware/dfu/iBSS.im4p", []byte("ibss")},
		{"Firmware/dfu/iBEC.im4p", []byte("ibec")},
	} {
		header := &zip.FileHeader{Name: entry.name, Method: zip.Deflate}
		header.SetMode(0o644)

		w, createErr := zw.CreateHeader(header)
		require.NoError(t, createErr)

		_, err = w.Write(entry.data)
		require.NoError(t, err)
	}

	require.NoError(t, zw.Close())
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o600))
}

// workspace is a temporary directory with one config shared by both binaries.
type workspace struct {
	dir     string
	cfgPath string
	cfg     *config.Config
}

func newWorkspace(t *testing.T) *workspace {
	t.Helper()

	dir := t.TempDir()
	base := filepath.Join(dir, "stock.ipsw")
	table := filepath.Join(dir, "patches.yaml")
	staging := filepath.Join(dir, "staging")

	writeBaseArchive(t, base, &archive.RestoreInfo{
		ProductVersion:        osVersion,
		ProductBuildVersion:   "21B74",
		SupportedProductTypes: []string{productType, "iPhone13,3"},
	})
	require.NoError(t, os.WriteFile(table, []byte(patchTable), 0o600))
	require.NoError(t, os.Mkdir(staging, 0o755))

	artifact := filepath.Join(dir, "custom.ipsw")

	return &workspace{
		dir:     dir,
		cfgPath: filepath.Join(dir, "fwforge.yaml"),
		cfg: &config.Config{
			Build: config.Build{
				BaseArchive: base,
				Output:      artifact,
				PatchSet:    table,
				StagingRoot: staging,
			},
			Install: config.Install{
				TargetProductType: productType,
				TargetOSVersion:   osVersion,
				Artifact:          artifact,
				BackupDir:         filepath.Join(dir, "backups"),
				LockDir:           filepath.Join(dir, "locks"),
				ManualMode:        config.Poll{Interval: time.Millisecond, MaxAttempts: 3},
				PostFlash: config.PostFlash{
					SettleDelay:    time.Millisecond,
					MaxAttempts:    3,
					InitialBackoff: time.Millisecond,
					MaxBackoff:     2 * time.Millisecond,
				},
				Report:     config.Report{Store: config.ReportStoreBadger, Path: filepath.Join(dir, "reports")},
				AssumeYes:  true,
				FlashToken: "ERASE " + deviceID,
			},
		},
	}
}

// save writes the shared config.
func (ws *workspace) save(t *testing.T) {
	t.Helper()

	require.NoError(t, config.Save(ws.cfgPath, ws.cfg))
}

// connectedDevice is a device that reports the target OS once flashed.
func connectedDevice() *devicetest.Fake {
	before := device.Identity{ID: deviceID, ProductType: productType, OSVersion: "16.7"}
	after := before
	after.OSVersion = osVersion

	return &devicetest.Fake{
		Devices:          []device.Identity{before},
		AfterFlash:       []device.Identity{after},
		HiddenAfterFlash: 1,
	}
}
