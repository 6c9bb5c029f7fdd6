package fetcher

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collectRows(t *testing.T, rowCh <-chan []string, errCh <-chan error) [][]string {
	t.Helper()
	var rows [][]string
	for row := range rowCh {
		rows = append(rows, row)
	}
	require.NoError(t, <-errCh)
	return rows
}

func TestStreamCSV_Basic(t *testing.T) {
	rowCh, errCh := StreamCSV(context.Background(), strings.NewReader("a,b\nc,d\n"), CSVOptions{})
	rows := collectRows(t, rowCh, errCh)
	assert.Equal(t, [][]string{{"a", "b"}, {"c", "d"}}, rows)
}

func TestStreamCSV_WithHeader(t *testing.T) {
	headerCh := make(chan []string, 1)
	input := "date,to_curr,provider,rate,markup\n2024-01-01,USD,VISA,0.012,0.4\n"
	rowCh, errCh := StreamCSV(context.Background(), strings.NewReader(input), CSVOptions{HasHeader: true, HeaderCh: headerCh})
	rows := collectRows(t, rowCh, errCh)

	assert.Equal(t, []string{"date", "to_curr", "provider", "rate", "markup"}, <-headerCh)
	assert.Equal(t, [][]string{{"2024-01-01", "USD", "VISA", "0.012", "0.4"}}, rows)
}

func TestStreamCSV_HeaderSkippedWithoutChannel(t *testing.T) {
	rowCh, errCh := StreamCSV(context.Background(), strings.NewReader("h1,h2\nv1,v2\n"), CSVOptions{HasHeader: true})
	rows := collectRows(t, rowCh, errCh)
	assert.Equal(t, [][]string{{"v1", "v2"}}, rows)
}

func TestStreamCSV_TrimSpace(t *testing.T) {
	rowCh, errCh := StreamCSV(context.Background(), strings.NewReader(" a , b \n"), CSVOptions{TrimSpace: true})
	rows := collectRows(t, rowCh, errCh)
	assert.Equal(t, [][]string{{"a", "b"}}, rows)
}

func TestStreamCSV_VariableFields(t *testing.T) {
	rowCh, errCh := StreamCSV(context.Background(), strings.NewReader("a,b,c\nd\n"), CSVOptions{})
	rows := collectRows(t, rowCh, errCh)
	assert.Len(t, rows, 2)
	assert.Len(t, rows[1], 1)
}

func TestStreamCSV_ReadError(t *testing.T) {
	rowCh, errCh := StreamCSV(context.Background(), strings.NewReader("a,\"b\nc"), CSVOptions{})
	for range rowCh {
	}
	assert.Error(t, <-errCh)
}

func TestStreamCSV_ContextCancelled(t *testing.T) {
	var sb strings.Builder
	for i := 0; i < 1000; i++ {
		sb.WriteString("x,y\n")
	}
	ctx, cancel := context.WithCancel(context.Background())
	rowCh, errCh := StreamCSV(ctx, strings.NewReader(sb.String()), CSVOptions{})
	<-rowCh
	cancel()
	for range rowCh {
	}
	assert.Error(t, <-errCh)
}

func TestReadCSV(t *testing.T) {
	header, rows, err := ReadCSV(context.Background(), strings.NewReader("k,v\n1,2\n3,4\n"), true)
	require.NoError(t, err)
	assert.Equal(t, []string{"k", "v"}, header)
	assert.Equal(t, [][]string{{"1", "2"}, {"3", "4"}}, rows)
}

func TestReadCSV_Empty(t *testing.T) {
	header, rows, err := ReadCSV(context.Background(), strings.NewReader(""), true)
	require.NoError(t, err)
	assert.Nil(t, header)
	assert.Empty(t, rows)
}
