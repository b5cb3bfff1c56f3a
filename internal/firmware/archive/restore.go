package archive

import (
	"errors"
	"fmt"
	"io"
	"slices"

	"github.com/klauspost/compress/zip"
	"howett.net/plist"
)

// RestoreManifestName is the boot metadata file describing what a container installs.
const RestoreManifestName = "Restore.plist"

// ErrNoRestoreInfo is returned when a container carries no Restore.plist.
var ErrNoRestoreInfo = errors.New("container has no " + RestoreManifestName)

// RestoreInfo is the subset of Restore.plist used to check an artifact against its target.
type RestoreInfo struct {
	// ProductVersion is the OS version the container installs.
	ProductVersion string `plist:"ProductVersion"`
	// ProductBuildVersion is the OS build identifier.
	ProductBuildVersion string `plist:"ProductBuildVersion"`
	// SupportedProductTypes lists the device identifiers the container supports.
	SupportedProductTypes []string `plist:"SupportedProductTypes"`
}

// Supports reports whether productType is listed by the container.
func (i *RestoreInfo) Supports(productType string) bool {
	return slices.Contains(i.SupportedProductTypes, productType)
}

// ReadRestoreInfo decodes Restore.plist from the container at path.
func ReadRestoreInfo(path string) (*RestoreInfo, error) {
	reader, err := zip.OpenReader(path)
	if err != nil {
		return nil, corrupt(path, err)
	}

	defer func() {
		_ = reader.Close()
	}()

	for _, file := range reader.File {
		if file.Name != RestoreManifestName {
			continue
		}

		return decodeRestoreInfo(path, file)
	}

	return nil, ErrNoRestoreInfo
}

func decodeRestoreInfo(path string, file *zip.File) (*RestoreInfo, error) {
	src, err := file.Open()
	if err != nil {
		return nil, corrupt(path, err)
	}

	defer func() {
		_ = src.Close()
	}()

	data, err := io.ReadAll(src)
	if err != nil {
		return nil, corrupt(path, err)
	}

	var info RestoreInfo
	if _, err = plist.Unmarshal(data, &info); err != nil {
		return nil, corrupt(path, fmt.Errorf("decode %s: %w", RestoreManifestName, err))
	}

	return &info, nil
}
