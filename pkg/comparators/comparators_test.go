package comparators

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSameDomain(t *testing.T) {
	tests := []struct {
		name     string
		a, b     string
		expected bool
	}{
		{"same host different path", "https://example.com/privacy", "http://example.com/legal/privacy.html", true},
		{"host is case insensitive", "https://Example.COM/a", "https://example.com/b", true},
		{"different subdomain", "https://www.example.com", "https://example.com", false},
		{"different host", "https://example.com", "https://example.org", false},
		{"missing scheme has no host", "example.com/privacy", "example.com/privacy", false},
		{"both empty", "", "", false},
		{"one empty", "https://example.com", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, SameDomain(tt.a, tt.b))
		})
	}
}

func TestSharedPrefixSimilarity(t *testing.T) {
	tests := []struct {
		name     string
		a, b     string
		expected float64
	}{
		{"identical", "com.example.app", "com.example.app", 1.0},
		{"truncated", "Example", "Example Pro", 7.0 / 11.0},
		{"case folded", "EXAMPLE", "example", 1.0},
		{"no shared prefix", "abc", "xyz", 0.0},
		{"both empty", "", "", 1.0},
		{"one empty", "abc", "", 0.0},
		{"multibyte runes", "äpfel", "äpfelsaft", 5.0 / 9.0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.expected, SharedPrefixSimilarity(tt.a, tt.b), 1e-9)
		})
	}
}

func TestEditSimilarity(t *testing.T) {
	t.Run("identity", func(t *testing.T) {
		for _, s := range []string{"", "a", "Spotify", "com.spotify.music", "Über"} {
			assert.Equal(t, 1.0, EditSimilarity(s, s))
		}
	})

	t.Run("symmetry", func(t *testing.T) {
		pairs := [][2]string{
			{"kitten", "sitting"},
			{"Spotify Music", "Spotify: Music and Podcasts"},
			{"", "abc"},
			{"com.example.app", ".com.example.app"},
		}
		for _, p := range pairs {
			assert.Equal(t, EditSimilarity(p[0], p[1]), EditSimilarity(p[1], p[0]))
		}
	})

	t.Run("typo", func(t *testing.T) {
		assert.InDelta(t, 1.0-3.0/7.0, EditSimilarity("kitten", "sitting"), 1e-9)
	})

	t.Run("case folded", func(t *testing.T) {
		assert.Equal(t, 1.0, EditSimilarity("WhatsApp", "whatsapp"))
	})

	t.Run("bounded", func(t *testing.T) {
		score := EditSimilarity("abc", "defghij")
		assert.GreaterOrEqual(t, score, 0.0)
		assert.LessOrEqual(t, score, 1.0)
	})
}

func TestLinkOverlap(t *testing.T) {
	tests := []struct {
		name     string
		a, b     []string
		expected int
	}{
		{"either empty", []string{"fb123"}, nil, 0},
		{"both empty", nil, []string{}, 0},
		{"left empty", []string{}, []string{"a"}, 0},
		{"disjoint", []string{"a", "b"}, []string{"c"}, 0},
		{"overlap", []string{"a", "b", "c"}, []string{"b", "c", "d"}, 2},
		{"duplicates counted once", []string{"a", "a"}, []string{"a", "a"}, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, LinkOverlap(tt.a, tt.b))
		})
	}
}

func TestMaxOf(t *testing.T) {
	assert.Equal(t, 0.0, MaxOf())
	assert.Equal(t, 0.7, MaxOf(0.2, 0.7, 0.5))
	assert.Equal(t, 1.0, MaxOf(Indicator(true), 0.3))
}

func TestParseHash(t *testing.T) {
	t.Run("64 bit hash", func(t *testing.T) {
		h, err := ParseHash("ffff0000ffff0000")
		require.NoError(t, err)
		assert.Equal(t, 64, h.Bits)
		assert.Equal(t, []uint64{0xffff0000ffff0000}, h.Words)
	})

	t.Run("short hash is left padded", func(t *testing.T) {
		h, err := ParseHash("abc")
		require.NoError(t, err)
		assert.Equal(t, 12, h.Bits)
		assert.Equal(t, []uint64{0xabc}, h.Words)
	})

	t.Run("malformed", func(t *testing.T) {
		_, err := ParseHash("not-hex!")
		assert.Error(t, err)
	})

	t.Run("empty", func(t *testing.T) {
		_, err := ParseHash("  ")
		assert.ErrorIs(t, err, ErrEmptyHash)
	})
}

func TestHashCloseness(t *testing.T) {
	a, err := ParseHash("ffffffffffffffff")
	require.NoError(t, err)
	b, err := ParseHash("ffffffffffffff00")
	require.NoError(t, err)

	score, err := HashCloseness(a, a)
	require.NoError(t, err)
	assert.Equal(t, 1.0, score)

	score, err = HashCloseness(a, b)
	require.NoError(t, err)
	assert.InDelta(t, 1.0-8.0/64.0, score, 1e-9)

	t.Run("size mismatch is an error", func(t *testing.T) {
		short, err := ParseHash("ffff")
		require.NoError(t, err)
		_, err = HashCloseness(a, short)
		assert.Error(t, err)
	})
}

func TestMultiHashMatches(t *testing.T) {
	a, err := ParseMultiHash("ffffffffffffffff,0000000000000000")
	require.NoError(t, err)
	require.Len(t, a.Segments, 2)

	t.Run("one close segment is enough", func(t *testing.T) {
		b, err := ParseMultiHash("ffffffffffffff00,123456789abcdef0")
		require.NoError(t, err)
		assert.True(t, MultiHashMatches(a, b))
	})

	t.Run("no close segment", func(t *testing.T) {
		b, err := ParseMultiHash("00000000ffffffff")
		require.NoError(t, err)
		assert.False(t, MultiHashMatches(&MultiHash{Segments: a.Segments[:1]}, b))
	})

	t.Run("missing side", func(t *testing.T) {
		assert.False(t, MultiHashMatches(a, nil))
		assert.False(t, MultiHashMatches(&MultiHash{}, a))
	})
}
