package drivesync

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/jun/agentsync/internal/adapter"
	"github.com/jun/agentsync/internal/model"
)

// MaxFileSize is the largest file the search store accepts.
const MaxFileSize = 100 * 1024 * 1024

// supportedApplicationTypes lists the application/* types the search store
// indexes. text/* is always accepted; image, video, audio and font never are.
var supportedApplicationTypes = toSet(
	"application/dart",
	"application/ecmascript",
	"application/json",
	"application/ms-java",
	"application/msword",
	"application/pdf",
	"application/sql",
	"application/typescript",
	"application/vnd.curl",
	"application/vnd.dart",
	"application/vnd.ibm.secure-container",
	"application/vnd.jupyter",
	"application/vnd.ms-excel",
	"application/vnd.oasis.opendocument.text",
	"application/vnd.openxmlformats-officedocument.presentationml.presentation",
	"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	"application/vnd.openxmlformats-officedocument.wordprocessingml.template",
	"application/x-csh",
	"application/x-hwp",
	"application/x-hwp-v5",
	"application/x-latex",
	"application/x-php",
	"application/x-powershell",
	"application/x-sh",
	"application/x-shellscript",
	"application/x-tex",
	"application/x-zsh",
	"application/xml",
	"application/zip",
)

func toSet(values ...string) map[string]struct{} {
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		set[v] = struct{}{}
	}
	return set
}

// ResolveUploadMimeType returns the type a file is indexed as. Workspace
// files resolve to their export type, or "" when they cannot be exported.
func ResolveUploadMimeType(mimeType string) string {
	if adapter.IsWorkspaceFile(mimeType) {
		return adapter.ExportMimeType(mimeType)
	}
	return mimeType
}

// IsMimeTypeSupported reports whether the search store can index mimeType.
func IsMimeTypeSupported(mimeType string) bool {
	switch {
	case mimeType == "":
		return false
	case strings.HasPrefix(mimeType, "text/"):
		return true
	case strings.HasPrefix(mimeType, "application/"):
		_, ok := supportedApplicationTypes[mimeType]
		return ok
	}
	return false
}

// ParseFileSize parses Drive's decimal size string. It returns nil when the
// size is absent or malformed.
func ParseFileSize(size *string) *int64 {
	if size == nil || *size == "" {
		return nil
	}
	n, err := strconv.ParseInt(*size, 10, 64)
	if err != nil {
		return nil
	}
	return &n
}

// Validation is the result of a successful ValidateFile.
type Validation struct {
	UploadMIMEType string
	FileSize       *int64
}

var (
	ErrUnsupportedFormat = errors.New("unsupported file format")
	ErrFileTooLarge      = errors.New("file size exceeds limit")
)

// RejectedFileError is returned by ValidateFile. Reason is the text recorded
// on the session for the skipped file.
type RejectedFileError struct {
	Err    error
	Detail string
	Reason string
}

func (e *RejectedFileError) Error() string {
	return e.Err.Error() + ": " + e.Detail
}

func (e *RejectedFileError) Unwrap() error {
	return e.Err
}

// ValidateFile checks that a file can be indexed. It returns a
// *RejectedFileError when it cannot. An unknown size passes.
func ValidateFile(f model.DriveFile) (Validation, error) {
	upload := ResolveUploadMimeType(f.MIMEType)
	if upload == "" || !IsMimeTypeSupported(upload) {
		return Validation{}, &RejectedFileError{
			Err:    ErrUnsupportedFormat,
			Detail: f.MIMEType,
			Reason: "Unsupported file format: " + f.MIMEType,
		}
	}

	size := ParseFileSize(f.Size)
	if size != nil && *size > MaxFileSize {
		mb := int64(math.Round(float64(*size) / 1024 / 1024))
		return Validation{}, &RejectedFileError{
			Err:    ErrFileTooLarge,
			Detail: fmt.Sprintf("%dMB, max 100MB", mb),
			Reason: fmt.Sprintf("File size exceeds limit (%dMB, max 100MB)", mb),
		}
	}
	return Validation{UploadMIMEType: upload, FileSize: size}, nil
}

// HasFileChanged compares Drive metadata against the indexed record. Checksums
// win when both sides have one; otherwise a strictly newer modified time
// counts as a change. Anything else is treated as changed.
func HasFileChanged(f model.DriveFile, existing *model.AgentFile) bool {
	if existing == nil {
		return true
	}

	if f.MD5Checksum != nil && *f.MD5Checksum != "" && existing.MD5Checksum != nil && *existing.MD5Checksum != "" {
		return *f.MD5Checksum != *existing.MD5Checksum
	}

	if f.ModifiedTime != nil && *f.ModifiedTime != "" && !existing.ModifiedTime.IsZero() {
		modified, err := time.Parse(time.RFC3339Nano, *f.ModifiedTime)
		if err != nil {
			return true
		}
		return modified.After(existing.ModifiedTime)
	}

	return true
}

// ErrValidation marks bad task or request input. It is never retried.
var ErrValidation = errors.New("validation error")
