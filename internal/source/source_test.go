package source

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/ident-sync/internal/model"
)

var (
	patientColumns = []string{"id_patients", "patient_number", "surname", "name", "patronymic",
		"phone", "mobile_phone", "email", "birthday", "sex", "card_number", "comment", "branch", "changed"}
	receptionColumns = append([]string{"id", "id_patients", "at", "status", "doctor", "service_name",
		"cost", "length", "comment", "last_modified"}, patientColumns...)
)

func sp(s string) *string { return &s }

func newMockSource(t *testing.T) (*PostgresSource, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })
	return New(mock, "ident"), mock
}

func patientValues(id int64, changed time.Time) []any {
	sex := int16(2)
	bday := time.Date(1990, 5, 1, 0, 0, 0, 0, time.UTC)
	return []any{id, sp("PAT001"), sp("Иванова"), sp("Мария"), nil,
		nil, sp(" +7 916 123-45-67 "), sp("m@example.org"), &bday, &sex, sp("C-17"),
		nil, sp("Центр"), changed}
}

func TestFetchPatients(t *testing.T) {
	s, mock := newMockSource(t)
	since := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	changed := since.Add(time.Hour)

	mock.ExpectQuery(`FROM "ident".patients p`).
		WithArgs(&since).
		WillReturnRows(pgxmock.NewRows(patientColumns).AddRow(patientValues(10, changed)...))

	got, err := s.FetchPatients(context.Background(), &since)
	require.NoError(t, err)
	require.Len(t, got, 1)

	p := got[0]
	assert.Equal(t, int64(10), p.ID)
	assert.Equal(t, "PAT001", p.Number)
	assert.Equal(t, "Иванова Мария", p.FullName())
	assert.Equal(t, "+7 916 123-45-67", p.PrimaryPhone())
	assert.Equal(t, model.GenderFemale, p.Gender)
	assert.Equal(t, "Центр", p.Branch)
	assert.Empty(t, p.Comment)
	assert.Equal(t, changed, p.LastModified)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFetchPatients_QueryError(t *testing.T) {
	s, mock := newMockSource(t)
	mock.ExpectQuery(`FROM "ident".patients p`).WillReturnError(assert.AnError)

	_, err := s.FetchPatients(context.Background(), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "source: fetch patients")
}

func TestFetchReceptions(t *testing.T) {
	s, mock := newMockSource(t)
	at := time.Date(2026, 3, 2, 10, 30, 0, 0, time.UTC)
	cost := 4500.0
	length := int32(45)

	row := append([]any{int64(500), int64(10), at, "completed", sp("Петров Иван"), sp("Осмотр"),
		&cost, &length, nil, at}, patientValues(10, at)...)
	scheduled := append([]any{int64(501), int64(10), at.Add(48 * time.Hour), "scheduled", nil, nil,
		nil, nil, sp("повторный"), at.Add(time.Minute)}, patientValues(10, at)...)

	mock.ExpectQuery(`UNION ALL`).
		WithArgs((*time.Time)(nil)).
		WillReturnRows(pgxmock.NewRows(receptionColumns).AddRow(row...).AddRow(scheduled...))

	got, err := s.FetchReceptions(context.Background(), nil)
	require.NoError(t, err)
	require.Len(t, got, 2)

	r := got[0]
	assert.Equal(t, int64(500), r.ID)
	assert.Equal(t, model.ReceptionCompleted, r.Status)
	assert.Equal(t, "Петров Иван", r.DoctorName)
	require.NotNil(t, r.Cost)
	assert.InDelta(t, 4500.0, *r.Cost, 0.001)
	assert.Equal(t, 45, r.DurationMin)
	require.NotNil(t, r.Patient)
	assert.Equal(t, "PAT001", r.Patient.Number)

	assert.Equal(t, model.ReceptionScheduled, got[1].Status)
	assert.Nil(t, got[1].Cost)
	assert.Equal(t, "повторный", got[1].Comment)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFetchReceptions_ScheduledWithoutReceptionID(t *testing.T) {
	s, mock := newMockSource(t)
	at := time.Date(2026, 3, 4, 9, 0, 0, 0, time.UTC)
	row := append([]any{nil, int64(10), at, "scheduled", nil, nil, nil, nil, nil, at}, patientValues(10, at)...)
	mock.ExpectQuery(`sr.id_receptions IS NULL`).
		WithArgs((*time.Time)(nil)).
		WillReturnRows(pgxmock.NewRows(receptionColumns).AddRow(row...))

	got, err := s.FetchReceptions(context.Background(), nil)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Zero(t, got[0].ID)
	assert.Equal(t, "patient:10", got[0].Key())
	assert.Equal(t, model.ReceptionScheduled, got[0].Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBuildQueries_ScheduledTwinCheckHandlesNullID(t *testing.T) {
	q := buildQueries("ident")
	assert.Contains(t, q.receptions, "WHERE sr.id_receptions IS NULL")
	assert.Contains(t, q.receptions, "OR NOT EXISTS")
}

func TestFetchReceptions_UnknownStatus(t *testing.T) {
	s, mock := newMockSource(t)
	at := time.Now()
	row := append([]any{int64(1), int64(10), at, "archived", nil, nil, nil, nil, nil, at}, patientValues(10, at)...)
	mock.ExpectQuery(`UNION ALL`).WillReturnRows(pgxmock.NewRows(receptionColumns).AddRow(row...))

	_, err := s.FetchReceptions(context.Background(), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown status")
}

func TestFetchReception_NotFound(t *testing.T) {
	s, mock := newMockSource(t)
	mock.ExpectQuery(`AND v.id = \$1`).WithArgs(int64(999)).WillReturnError(pgx.ErrNoRows)

	_, err := s.FetchReception(context.Background(), 999)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFetchReception(t *testing.T) {
	s, mock := newMockSource(t)
	at := time.Date(2026, 3, 2, 10, 30, 0, 0, time.UTC)
	row := append([]any{int64(502), int64(10), at, "cancelled", nil, nil, nil, nil, nil, at}, patientValues(10, at)...)
	mock.ExpectQuery(`AND v.id = \$1`).WithArgs(int64(502)).
		WillReturnRows(pgxmock.NewRows(receptionColumns).AddRow(row...))

	r, err := s.FetchReception(context.Background(), 502)
	require.NoError(t, err)
	assert.Equal(t, model.ReceptionCancelled, r.Status)
	assert.True(t, r.Status.Terminal())
}

func TestCompletedReceptionCount(t *testing.T) {
	s, mock := newMockSource(t)
	mock.ExpectQuery(`SELECT count\(\*\) FROM "ident".receptions`).
		WithArgs(int64(10), int64(500)).
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(2))

	n, err := s.CompletedReceptionCount(context.Background(), 10, 500)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBuildQueries_QuotesSchema(t *testing.T) {
	q := buildQueries(`clinic"; drop`)
	assert.Contains(t, q.completed, `"clinic""; drop".receptions`)
	assert.Contains(t, buildQueries("").patients, `"ident".patients`)
}
