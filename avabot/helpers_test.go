package avabot

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRemoveCitations(t *testing.T) {
	for _, tc := range []struct {
		name     string
		input    string
		expected string
	}{
		{
			name:     "no citations",
			input:    "plain answer",
			expected: "plain answer",
		},
		{
			name:     "single citation",
			input:    "see the docs【4:0†faq.json】 for details",
			expected: "see the docs for details",
		},
		{
			name:     "multiple citations",
			input:    "a【1†x】b【2†y】c",
			expected: "abc",
		},
		{
			name:     "empty string",
			input:    "",
			expected: "",
		},
		{
			name:     "unmatched opening bracket left alone",
			input:    "a【b",
			expected: "a【b",
		},
	} {
		t.Run(
			tc.name, func(t *testing.T) {
				assert.Equal(t, tc.expected, removeCitations(tc.input))
			},
		)
	}
}

func TestSplitMessage(t *testing.T) {
	t.Run(
		"short message returned whole", func(t *testing.T) {
			chunks := splitMessage("hello", discordMaxMessageLength)
			require.Len(t, chunks, 1)
			assert.Equal(t, "hello", chunks[0])
		},
	)

	t.Run(
		"splits on newline when possible", func(t *testing.T) {
			first := strings.Repeat("a", 1500)
			second := strings.Repeat("b", 1500)
			chunks := splitMessage(
				first+"\n"+second,
				discordMaxMessageLength,
			)
			require.Len(t, chunks, 2)
			assert.Equal(t, first, chunks[0])
			assert.Equal(t, second, chunks[1])
		},
	)

	t.Run(
		"hard split without newlines", func(t *testing.T) {
			msg := strings.Repeat("x", 4500)
			chunks := splitMessage(msg, discordMaxMessageLength)
			require.Len(t, chunks, 3)
			total := 0
			for _, chunk := range chunks {
				assert.LessOrEqual(t, len(chunk), discordMaxMessageLength)
				total += len(chunk)
			}
			assert.Equal(t, len(msg), total)
		},
	)

	t.Run(
		"never splits mid-rune", func(t *testing.T) {
			msg := strings.Repeat("é", 2500)
			chunks := splitMessage(msg, discordMaxMessageLength)
			require.Len(t, chunks, 2)
			for _, chunk := range chunks {
				assert.LessOrEqual(
					t,
					utf8.RuneCountInString(chunk),
					discordMaxMessageLength,
				)
				assert.True(t, utf8.ValidString(chunk))
				for _, r := range chunk {
					assert.NotEqual(t, '�', r)
				}
			}
		},
	)

	t.Run(
		"newline split with multibyte runes", func(t *testing.T) {
			first := strings.Repeat("é", 1999)
			second := strings.Repeat("b", 500)
			chunks := splitMessage(
				first+"\n"+second,
				discordMaxMessageLength,
			)
			require.Len(t, chunks, 2)
			assert.Equal(t, first, chunks[0])
			assert.Equal(t, second, chunks[1])
			for _, chunk := range chunks {
				assert.LessOrEqual(
					t,
					utf8.RuneCountInString(chunk),
					discordMaxMessageLength,
				)
				assert.True(t, utf8.ValidString(chunk))
			}
		},
	)

	t.Run(
		"empty message", func(t *testing.T) {
			assert.Empty(t, splitMessage("", discordMaxMessageLength))
		},
	)
}

func TestSnowflakeAfter(t *testing.T) {
	assert.True(t, snowflakeAfter("200", "100"))
	assert.False(t, snowflakeAfter("100", "200"))
	assert.False(t, snowflakeAfter("100", "100"))

	// an empty or malformed reference is treated as the beginning of time
	assert.True(t, snowflakeAfter("100", ""))
	assert.True(t, snowflakeAfter("100", "not-a-snowflake"))

	assert.False(t, snowflakeAfter("not-a-snowflake", "100"))
}

func TestChannelAllowed(t *testing.T) {
	assert.True(t, channelAllowed(nil, "anything"))
	assert.True(t, channelAllowed([]string{}, "anything"))

	allowed := []string{"chan-1", "chan-2"}
	assert.True(t, channelAllowed(allowed, "chan-1"))
	assert.True(t, channelAllowed(allowed, "chan-2"))
	assert.False(t, channelAllowed(allowed, "chan-3"))
	assert.False(t, channelAllowed(allowed, ""))
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "abc", truncate("abc", 10))
	assert.Len(t, truncate(strings.Repeat("a", 50), 10), 10)
}
