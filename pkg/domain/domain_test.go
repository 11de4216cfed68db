package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubjectKeyEquality(t *testing.T) {
	t.Run("file subjects compare by path", func(t *testing.T) {
		a := FileSubject("/tmp/a")
		b := FileSubject("/tmp/a")
		c := FileSubject("/tmp/b")

		assert.Equal(t, a, b)
		assert.NotEqual(t, a, c)
	})

	t.Run("pid reuse is a different subject", func(t *testing.T) {
		first := ProcessSubject(1234, 100)
		reused := ProcessSubject(1234, 200)

		assert.NotEqual(t, first, reused)
	})

	t.Run("usable as map key", func(t *testing.T) {
		m := map[SubjectKey]int{}
		m[SocketSubject("10.0.0.1", 443, "10.0.0.2", 51000)] = 1
		m[SocketSubject("10.0.0.1", 443, "10.0.0.2", 51000)] = 2

		assert.Len(t, m, 1)
		assert.Equal(t, 2, m[SocketSubject("10.0.0.1", 443, "10.0.0.2", 51000)])
	})

	t.Run("zero value identifies nothing", func(t *testing.T) {
		var s SubjectKey
		assert.True(t, s.IsZero())
		assert.False(t, FileSubject("/x").IsZero())
	})
}

func TestRawEventValidate(t *testing.T) {
	valid := &RawEvent{
		ID:         "id",
		Source:     SourceFileSystem,
		Subject:    FileSubject("/tmp/a"),
		Action:     ActionFileCreate,
		ObservedAt: time.Now(),
	}
	require.NoError(t, valid.Validate())

	t.Run("empty action", func(t *testing.T) {
		ev := *valid
		ev.Action = ""
		assert.ErrorIs(t, ev.Validate(), ErrMalformedEvent)
	})

	t.Run("zero subject", func(t *testing.T) {
		ev := *valid
		ev.Subject = SubjectKey{}
		assert.ErrorIs(t, ev.Validate(), ErrMalformedEvent)
	})

	t.Run("zero timestamp", func(t *testing.T) {
		ev := *valid
		ev.ObservedAt = time.Time{}
		assert.ErrorIs(t, ev.Validate(), ErrMalformedEvent)
	})

	t.Run("nil event", func(t *testing.T) {
		var ev *RawEvent
		assert.ErrorIs(t, ev.Validate(), ErrMalformedEvent)
	})
}

func TestRawEventClone(t *testing.T) {
	ev := &RawEvent{
		ID:         "id",
		Subject:    FileSubject("/tmp/a"),
		Action:     ActionFileWrite,
		Attributes: map[string]string{"comm": "bash"},
		ObservedAt: time.Now(),
	}

	c := ev.Clone()
	c.Attributes["comm"] = "sh"

	assert.Equal(t, "bash", ev.Attributes["comm"])
	assert.Equal(t, ev.Subject, c.Subject)
}

func TestSuppressedEventRepresentative(t *testing.T) {
	first := &RawEvent{
		ID:         "first",
		Subject:    FileSubject("/var/log/app.log"),
		Action:     ActionFileWrite,
		ObservedAt: time.Now(),
	}

	t.Run("single event forwarded unchanged", func(t *testing.T) {
		s := NewSuppressedEvent(first)
		rep := s.Representative()

		assert.Same(t, first, rep)
		assert.Empty(t, rep.Attribute(AttrRepeatCount))
	})

	t.Run("burst carries repeat count", func(t *testing.T) {
		s := NewSuppressedEvent(first)
		for i := 0; i < 99; i++ {
			s.Observe(first.ObservedAt.Add(time.Duration(i) * time.Millisecond))
		}

		rep := s.Representative()
		assert.Equal(t, uint32(100), s.RepeatCount)
		assert.Equal(t, "100", rep.Attribute(AttrRepeatCount))
		// The original first event stays untouched.
		assert.Empty(t, first.Attribute(AttrRepeatCount))
	})

	t.Run("last seen advances monotonically", func(t *testing.T) {
		s := NewSuppressedEvent(first)
		later := first.ObservedAt.Add(time.Second)
		s.Observe(later)
		s.Observe(first.ObservedAt) // out of order arrival

		assert.Equal(t, later, s.LastSeen)
	})
}

func TestPatternValidate(t *testing.T) {
	tests := []struct {
		name    string
		pattern Pattern
		wantErr bool
	}{
		{
			name:    "valid",
			pattern: Pattern{ID: "write_then_execute", Steps: []string{ActionFileCreate, ActionProcessExec}, TTL: 30 * time.Second},
		},
		{
			name:    "empty id",
			pattern: Pattern{Steps: []string{ActionFileCreate}, TTL: time.Second},
			wantErr: true,
		},
		{
			name:    "no steps",
			pattern: Pattern{ID: "p", TTL: time.Second},
			wantErr: true,
		},
		{
			name:    "empty step",
			pattern: Pattern{ID: "p", Steps: []string{ActionFileCreate, ""}, TTL: time.Second},
			wantErr: true,
		},
		{
			name:    "zero ttl",
			pattern: Pattern{ID: "p", Steps: []string{ActionFileCreate}},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.pattern.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestParseSeverity(t *testing.T) {
	for s, want := range map[string]Severity{
		"":         SeverityInfo,
		"info":     SeverityInfo,
		"low":      SeverityLow,
		"medium":   SeverityMedium,
		"high":     SeverityHigh,
		"critical": SeverityCritical,
	} {
		got, err := ParseSeverity(s)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	_, err := ParseSeverity("apocalyptic")
	assert.Error(t, err)
}
