package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSanitizeFilename(t *testing.T) {
	assert.Equal(t, "report.pdf", SanitizeFilename("report.pdf"))
	assert.Equal(t, "passwd", SanitizeFilename("../../etc/passwd"))
	assert.Equal(t, "site-visit 3.jpg", SanitizeFilename("photos\\site-visit 3.jpg"))
	assert.Equal(t, "billtxt", SanitizeFilename("bill\x00txt"))
	assert.Equal(t, "document", SanitizeFilename("..."))
	assert.Equal(t, "document", SanitizeFilename(""))
}

func TestAllowedDocumentExtension(t *testing.T) {
	assert.True(t, AllowedDocumentExtension("bill.PDF"))
	assert.True(t, AllowedDocumentExtension("site.jpeg"))
	assert.False(t, AllowedDocumentExtension("payload.exe"))
	assert.False(t, AllowedDocumentExtension("noextension"))
}

func TestContentTypeFor(t *testing.T) {
	assert.Equal(t, "application/pdf", ContentTypeFor("bill.pdf"))
	assert.Equal(t, "image/jpeg", ContentTypeFor("photo.JPG"))
	assert.Equal(t, "application/octet-stream", ContentTypeFor("data.bin"))
}
