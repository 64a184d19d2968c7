package export

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sample() Dataset {
	return Dataset{
		Title:   "Attendance s1",
		Headers: []string{"user_id", "status"},
		Rows: [][]string{
			{"u1", "uploaded"},
			{"u2", "too_far"},
		},
	}
}

func TestCSVExporterRender(t *testing.T) {
	out, err := NewCSVExporter().Render(sample())
	require.NoError(t, err)
	assert.Equal(t, "user_id,status\nu1,uploaded\nu2,too_far\n", string(out))
}

func TestCSVExporterRejectsRaggedRows(t *testing.T) {
	data := sample()
	data.Rows = append(data.Rows, []string{"u3"})
	_, err := NewCSVExporter().Render(data)
	assert.Error(t, err)

	_, err = NewCSVExporter().Render(Dataset{})
	assert.Error(t, err)
}

func TestPDFExporterRender(t *testing.T) {
	exp := NewPDFExporter()
	out, err := exp.Render(sample())
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(out, []byte("%PDF")))
	assert.Equal(t, "application/pdf", exp.ContentType())
	assert.Equal(t, "pdf", exp.Extension())
}
