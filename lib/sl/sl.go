package sl

import (
	"fmt"
	"io"
	"log/slog"
)

func Err(err error) slog.Attr {
	return slog.Attr{
		Key:   "error",
		Value: slog.StringValue(err.Error()),
	}
}

// Secret returns a string with the first 5 characters of the input string
// used to hide sensitive information in logs
func Secret(some string) slog.Attr {
	r := "***"
	if len(some) > 5 {
		r = fmt.Sprintf("%s***", some[0:5])
	}
	if some == "" {
		r = "?"
	}
	return slog.Attr{
		Key:   "secret",
		Value: slog.StringValue(r),
	}
}

func Module(mod string) slog.Attr {
	return slog.Attr{
		Key:   "mod",
		Value: slog.StringValue(mod),
	}
}

func User(userId int64) slog.Attr {
	return slog.Int64("user", userId)
}

// Wallet shortens a wallet address to its first and last four characters
func Wallet(address string) slog.Attr {
	r := address
	if len(address) > 12 {
		r = address[:4] + ".." + address[len(address)-4:]
	}
	return slog.Attr{
		Key:   "wallet",
		Value: slog.StringValue(r),
	}
}

// Discard returns a logger that drops everything, handy in tests
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
