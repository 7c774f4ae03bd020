package avabot

import (
	"context"
	"log/slog"
	"reflect"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/bwmarrin/discordgo"
)

const loggerContextKey contextKey = "logger"

type contextKey string

// removeCitations removes OpenAI assistant response citation patterns
// from the input string.
func removeCitations(input string) string {
	pattern := `【[^】]*】`
	re := regexp.MustCompile(pattern)
	return re.ReplaceAllString(input, "")
}

// splitMessage splits the input into chunks of at most limit runes,
// preferring to break at the last newline before the limit. Discord
// rejects messages over 2000 characters.
func splitMessage(s string, limit int) []string {
	var parts []string
	runes := []rune(s)
	for len(runes) > limit {
		window := string(runes[:limit])
		splitPos := limit
		// LastIndex returns a byte offset; the slice below needs runes
		if i := strings.LastIndex(window, "\n"); i > 0 {
			splitPos = utf8.RuneCountInString(window[:i])
		}
		parts = append(parts, strings.TrimRight(string(runes[:splitPos]), "\n"))
		runes = []rune(strings.TrimLeft(string(runes[splitPos:]), "\n"))
	}
	if len(runes) > 0 {
		parts = append(parts, string(runes))
	}
	return parts
}

// truncate shortens the input string to a specified number of characters.
func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n])
}

// snowflakeAfter reports whether discord snowflake ID a is newer than b.
// An empty or malformed b is treated as "beginning of time".
func snowflakeAfter(a string, b string) bool {
	av, err := strconv.ParseUint(a, 10, 64)
	if err != nil {
		return false
	}
	bv, err := strconv.ParseUint(b, 10, 64)
	if err != nil {
		return true
	}
	return av > bv
}

var discordGoLogLevels = map[int]slog.Level{
	discordgo.LogDebug:         slog.LevelDebug,
	discordgo.LogError:         slog.LevelError,
	discordgo.LogWarning:       slog.LevelWarn,
	discordgo.LogInformational: slog.LevelInfo,
}

// structToSlogValue converts a struct to a slog.Value, using the struct's
// JSON tag as the key for each field, if set.
// If the `log` tag is set, the value specified will override the
// field's actual value. Ex: `log:"[redacted]"` will cause "[redacted]" to
// be shown as the field's value.
func structToSlogValue(v any) slog.Value {
	typ := reflect.TypeOf(v)
	if typ == nil {
		return slog.AnyValue(nil)
	}
	val := reflect.ValueOf(v)

	if typ.Kind() == reflect.Ptr {
		if val.IsNil() {
			return slog.AnyValue(nil)
		}
		val = val.Elem()
		typ = typ.Elem()
	}

	if typ.Kind() != reflect.Struct {
		return slog.AnyValue(v)
	}

	var groupAttrs []slog.Attr

	for i := 0; i < typ.NumField(); i++ {
		field := typ.Field(i)
		jsonTag, _, _ := strings.Cut(field.Tag.Get("json"), ",")

		if jsonTag == "" {
			jsonTag = field.Name
		}

		fv := val.Field(i)
		if !fv.CanInterface() {
			continue
		}

		logTag := field.Tag.Get("log")
		if logTag != "" {
			groupAttrs = append(
				groupAttrs,
				slog.Attr{Key: jsonTag, Value: slog.StringValue(logTag)},
			)
			continue
		}

		skip := false
		switch fv.Kind() {
		case reflect.Ptr:
			if fv.IsNil() {
				skip = true
			}
		case reflect.Map, reflect.Slice:
			if fv.IsNil() || fv.Len() == 0 {
				skip = true
			}
		case reflect.String:
			if fv.String() == "" {
				skip = true
			}
		}

		if skip {
			continue
		}

		groupAttrs = append(
			groupAttrs,
			slog.Attr{Key: jsonTag, Value: structToSlogValue(fv.Interface())},
		)
	}

	return slog.GroupValue(groupAttrs...)
}

// WithLogger returns a new context with the given logger added.
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	var ctxLogger *slog.Logger
	if logger == nil {
		ctxLogger = slog.Default()
	} else {
		ctxLogger = logger
	}
	return context.WithValue(ctx, loggerContextKey, ctxLogger)
}

// ContextLogger returns the logger stored in the given context, or
// fallback when the context has none.
func ContextLogger(ctx context.Context, fallback *slog.Logger) *slog.Logger {
	if logger, ok := ctx.Value(loggerContextKey).(*slog.Logger); ok {
		return logger
	}
	if fallback != nil {
		return fallback
	}
	return slog.Default()
}

// channelAllowed reports whether the given channel ID is present in the
// allow-set. An empty allow-set permits all channels.
func channelAllowed(allowed []string, channelID string) bool {
	if len(allowed) == 0 {
		return true
	}
	for _, id := range allowed {
		if id == channelID {
			return true
		}
	}
	return false
}

func messageLogAttrs(m *discordgo.Message) []any {
	attrs := []any{
		"message_id", m.ID,
		"channel_id", m.ChannelID,
	}
	if m.GuildID != "" {
		attrs = append(attrs, "guild_id", m.GuildID)
	}
	if m.Author != nil {
		attrs = append(attrs, "user_id", m.Author.ID, "username", m.Author.Username)
	}
	return attrs
}
