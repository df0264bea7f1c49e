package utils

import (
	"errors"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"github.com/h2non/filetype"
)

const (
	dlnaOrgFlagStreamingTransferMode   = 1 << 24
	dlnaOrgFlagBackgroundTransfertMode = 1 << 22
	dlnaOrgFlagConnectionStall         = 1 << 21
	dlnaOrgFlagDlnaV15                 = 1 << 20
)

// DefaultMediaType is used when a media file can't be identified.
const DefaultMediaType = "video/mp4"

// ErrUnknownMediaType is returned when neither the file header
// nor its extension identify the media type.
var ErrUnknownMediaType = errors.New("unknown media type")

var dlnaprofiles = map[string]string{
	"video/x-mkv":      "DLNA.ORG_PN=MATROSKA",
	"video/x-matroska": "DLNA.ORG_PN=MATROSKA",
	"video/x-msvideo":  "DLNA.ORG_PN=AVI",
	"video/mpeg":       "DLNA.ORG_PN=MPEG1",
	"video/mp4":        "DLNA.ORG_PN=AVC_MP4_MP_SD_AAC_MULT5",
	"video/quicktime":  "DLNA.ORG_PN=AVC_MP4_MP_SD_AAC_MULT5",
	"video/x-m4v":      "DLNA.ORG_PN=AVC_MP4_MP_SD_AAC_MULT5",
	"video/3gpp":       "DLNA.ORG_PN=AVC_MP4_MP_SD_AAC_MULT5",
	"video/x-flv":      "DLNA.ORG_PN=AVC_MP4_MP_SD_AAC_MULT5",
	"video/x-ms-wmv":   "DLNA.ORG_PN=WMVHIGH_FULL",
	"video/webm":       "DLNA.ORG_PN=WEBM",
}

func defaultStreamingFlags() string {
	return fmt.Sprintf("%.8x%.24x", dlnaOrgFlagStreamingTransferMode|
		dlnaOrgFlagBackgroundTransfertMode|
		dlnaOrgFlagConnectionStall|
		dlnaOrgFlagDlnaV15, 0)
}

// BuildContentFeatures builds the content features string
// for the "contentFeatures.dlna.org" header. Receivers that
// ask for it get byte-range seek advertised when seekable is set.
func BuildContentFeatures(mediaType string, seekable bool) string {
	var cf strings.Builder

	if dlnaProf, ok := dlnaprofiles[mediaType]; ok {
		cf.WriteString(dlnaProf + ";")
	}

	if seekable {
		cf.WriteString("DLNA.ORG_OP=01;")
	} else {
		cf.WriteString("DLNA.ORG_OP=00;")
	}

	cf.WriteString("DLNA.ORG_CI=0;")
	cf.WriteString("DLNA.ORG_FLAGS=")
	cf.WriteString(defaultStreamingFlags())

	return cf.String()
}

// GetMimeDetailsFromReader sniffs the media type from the
// first bytes of r.
func GetMimeDetailsFromReader(r io.Reader) (string, error) {
	head := make([]byte, 261)
	n, err := io.ReadFull(r, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
		return "", fmt.Errorf("GetMimeDetailsFromReader read error: %w", err)
	}

	kind, err := filetype.Match(head[:n])
	if err != nil {
		return "", fmt.Errorf("GetMimeDetailsFromReader match error: %w", err)
	}

	if kind == filetype.Unknown {
		return "", ErrUnknownMediaType
	}

	return kind.MIME.Value, nil
}

// GetMimeDetailsFromFile returns the media type and size of the file
// at path. The file header wins over the extension.
func GetMimeDetailsFromFile(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, fmt.Errorf("GetMimeDetailsFromFile open error: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", 0, fmt.Errorf("GetMimeDetailsFromFile stat error: %w", err)
	}

	if info.IsDir() {
		return "", 0, fmt.Errorf("GetMimeDetailsFromFile: %s is a directory", path)
	}

	mediaType, err := GetMimeDetailsFromReader(f)
	if err == nil {
		return mediaType, info.Size(), nil
	}

	if byExt := mime.TypeByExtension(strings.ToLower(filepath.Ext(path))); byExt != "" {
		mediaType, _, _ = strings.Cut(byExt, ";")
		return mediaType, info.Size(), nil
	}

	return DefaultMediaType, info.Size(), nil
}
