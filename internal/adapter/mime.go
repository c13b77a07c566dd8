package adapter

import "strings"

const workspacePrefix = "application/vnd.google-apps."

var workspaceExports = map[string]string{
	"application/vnd.google-apps.document":     "application/pdf",
	"application/vnd.google-apps.spreadsheet":  "application/pdf",
	"application/vnd.google-apps.presentation": "application/pdf",
	"application/vnd.google-apps.drawing":      "application/pdf",
}

// IsWorkspaceFile reports whether mimeType is a Google Workspace native type.
func IsWorkspaceFile(mimeType string) bool {
	return strings.HasPrefix(mimeType, workspacePrefix)
}

// ExportMimeType returns the export format for a Workspace type, or "" when
// the type cannot be exported.
func ExportMimeType(mimeType string) string {
	return workspaceExports[mimeType]
}
