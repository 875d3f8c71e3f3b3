package services

import (
	"archive/zip"
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildDocx(t *testing.T, documentXML string) []byte {
	t.Helper()

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)

	w, err := zw.Create("word/document.xml")
	require.NoError(t, err)
	_, err = w.Write([]byte(documentXML))
	require.NoError(t, err)

	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func TestExtractDocxText_ParagraphsAndBreaks(t *testing.T) {
	doc := buildDocx(t, `<?xml version="1.0"?>
		<w:document xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main">
		  <w:body>
		    <w:p><w:r><w:t>Operative Note</w:t></w:r></w:p>
		    <w:p><w:r><w:t>Patient tolerated</w:t><w:tab/><w:t>the procedure</w:t></w:r></w:p>
		  </w:body>
		</w:document>`)

	text, err := ExtractDocxText(bytes.NewReader(doc), int64(len(doc)))
	require.NoError(t, err)

	assert.Contains(t, text, "Operative Note\n")
	assert.Contains(t, text, "Patient tolerated\tthe procedure")
}

func TestExtractDocxText_IgnoresNonTextNodes(t *testing.T) {
	doc := buildDocx(t, `<?xml version="1.0"?>
		<w:document xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main">
		  <w:body>
		    <w:p><w:pPr><w:jc w:val="center"/></w:pPr><w:r><w:t>Only this</w:t></w:r></w:p>
		  </w:body>
		</w:document>`)

	text, err := ExtractDocxText(bytes.NewReader(doc), int64(len(doc)))
	require.NoError(t, err)
	assert.Equal(t, "Only this", text)
}

func TestExtractDocxText_RejectsNonArchive(t *testing.T) {
	junk := []byte("this is not a zip file")
	_, err := ExtractDocxText(bytes.NewReader(junk), int64(len(junk)))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not a valid docx")
}

func TestExtractDocxText_RejectsEmptyDocument(t *testing.T) {
	doc := buildDocx(t, `<?xml version="1.0"?>
		<w:document xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main">
		  <w:body></w:body>
		</w:document>`)

	_, err := ExtractDocxText(bytes.NewReader(doc), int64(len(doc)))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no extractable text")
}

func TestExtractDocxText_MissingDocumentXML(t *testing.T) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create("word/styles.xml")
	require.NoError(t, err)
	_, err = w.Write([]byte("<styles/>"))
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	_, err = ExtractDocxText(bytes.NewReader(buf.Bytes()), int64(buf.Len()))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "word/document.xml")
}
