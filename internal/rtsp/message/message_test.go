package message

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMessageStartsAtRefcountOne(t *testing.T) {
	t.Parallel()

	m := New()
	assert.EqualValues(t, 1, m.RefCount())
	assert.False(t, m.IsFreed())
}

func TestRetainReleaseBalancesToZero(t *testing.T) {
	t.Parallel()

	m := New()
	m.Retain()
	m.Retain()
	assert.EqualValues(t, 3, m.RefCount())

	m.Release()
	m.Release()
	assert.False(t, m.IsFreed())

	m.Release()
	assert.True(t, m.IsFreed())
}

func TestDoubleReleasePanics(t *testing.T) {
	t.Parallel()

	m := New()
	m.Release()
	require.True(t, m.IsFreed())

	assert.Panics(t, func() { m.Release() })
}

func TestRetainAfterFreePanics(t *testing.T) {
	t.Parallel()

	m := New()
	m.Release()

	assert.Panics(t, func() { m.Retain() })
}

func TestConcurrentRetainReleaseNeverGoesNegative(t *testing.T) {
	t.Parallel()

	const holders = 50
	m := New()

	var wg sync.WaitGroup
	for i := 0; i < holders; i++ {
		m.Retain()
	}
	assert.EqualValues(t, holders+1, m.RefCount())

	wg.Add(holders + 1)
	for i := 0; i < holders+1; i++ {
		go func() {
			defer wg.Done()
			m.Release()
		}()
	}
	wg.Wait()

	assert.True(t, m.IsFreed())
}

func TestAddHeaderRespectsMaxHeadersBound(t *testing.T) {
	t.Parallel()

	m := New()
	for i := 0; i < MaxHeaders+5; i++ {
		m.AddHeader("X-Test", "v")
	}
	assert.Len(t, m.Headers(), MaxHeaders)
}

func TestHeaderLookupIsCaseInsensitive(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		lookup string
		want   string
		found  bool
	}{
		{name: "exact case", lookup: "Content-Length", want: "42", found: true},
		{name: "lower case", lookup: "content-length", want: "42", found: true},
		{name: "upper case", lookup: "CONTENT-LENGTH", want: "42", found: true},
		{name: "missing", lookup: "X-Missing", want: "", found: false},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			m := New()
			m.AddHeader("Content-Length", "42")

			got, ok := m.Header(tc.lookup)
			assert.Equal(t, tc.found, ok)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestSetStatusAndBody(t *testing.T) {
	t.Parallel()

	m := New()
	m.SetStatus(200, "OK")
	m.SetBody([]byte("hello"))

	assert.Equal(t, 200, m.StatusCode)
	assert.Equal(t, "OK", m.StatusText)
	assert.Equal(t, []byte("hello"), m.Body())
}
