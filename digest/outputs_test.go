package digest

import (
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/digest/errors"
	digesttest "github.com/teranos/digest/internal/testing"
)

func TestOutputStore_CSVAndSummaryAreIndependent(t *testing.T) {
	store := NewOutputStore(digesttest.CreateTestDB(t))

	require.NoError(t, store.SaveSummary("job-1", "first summary"))
	require.NoError(t, store.SaveCSV("job-1", "\"h\"\n\"a\"\n", 1))

	out, err := store.Get("job-1")
	require.NoError(t, err)
	assert.Equal(t, "\"h\"\n\"a\"\n", out.CSV)
	assert.Equal(t, 1, out.RowCount)
	assert.Equal(t, "first summary", out.Summary)

	require.NoError(t, store.SaveCSV("job-1", "\"h\"\n", 0))
	summary, err := store.Summary("job-1")
	require.NoError(t, err)
	assert.Equal(t, "first summary", summary)
}

func TestOutputStore_NotFound(t *testing.T) {
	store := NewOutputStore(digesttest.CreateTestDB(t))

	_, err := store.Get("missing")
	assert.True(t, errors.IsNotFoundError(err))

	require.NoError(t, store.SaveCSV("job-1", "\"h\"\n", 0))
	_, err = store.Summary("job-1")
	assert.True(t, errors.IsNotFoundError(err))

	csv, err := store.CSV("job-1")
	require.NoError(t, err)
	assert.Equal(t, "\"h\"\n", csv)
}

func TestOutputStore_WriteError(t *testing.T) {
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer conn.Close()

	mock.ExpectExec("INSERT INTO job_outputs").WillReturnError(errors.New("disk full"))

	err = NewOutputStore(conn).SaveCSV("job-1", "x", 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to save merged output of job job-1")
	assert.NoError(t, mock.ExpectationsWereMet())
}
