// Copyright 2022 gorse Project Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package log

import (
	"net/url"
	"os"
	"strings"

	"github.com/emicklei/go-restful/v3"
	"github.com/go-sql-driver/mysql"
	"github.com/spf13/pflag"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	flagPath       = "log-path"
	flagMaxSize    = "log-max-size"
	flagMaxAge     = "log-max-age"
	flagMaxBackups = "log-max-backups"

	timeLayout = "2006-01-02 15:04:05.999999"
)

var logger = zap.Must(zap.NewDevelopment())

// Logger returns the process wide logger.
func Logger() *zap.Logger {
	return logger
}

// ResponseLogger tags the logger with the request id of a REST response.
func ResponseLogger(resp *restful.Response) *zap.Logger {
	return logger.With(zap.String("request_id", resp.Header().Get("X-Request-ID")))
}

// AddFlags registers the rotating log file flags shared by every binary.
func AddFlags(flagSet *pflag.FlagSet) {
	flagSet.String(flagPath, "", "path of log file")
	flagSet.Int(flagMaxSize, 100, "maximum size in megabytes of the log file")
	flagSet.Int(flagMaxAge, 0, "maximum number of days to retain old log files")
	flagSet.Int(flagMaxBackups, 0, "maximum number of old log files to retain")
}

// SetLogger replaces the logger. Debug mode writes colored console lines, otherwise
// JSON lines at info level. Lines are mirrored to a rotating file if --log-path is set.
func SetLogger(flagSet *pflag.FlagSet, debug bool) {
	var (
		encoder zapcore.Encoder
		level   zapcore.Level
	)
	if debug {
		cfg := zap.NewDevelopmentEncoderConfig()
		cfg.EncodeTime = zapcore.TimeEncoderOfLayout(timeLayout)
		cfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoder, level = zapcore.NewConsoleEncoder(cfg), zap.DebugLevel
	} else {
		cfg := zap.NewProductionEncoderConfig()
		cfg.EncodeTime = zapcore.TimeEncoderOfLayout(timeLayout)
		encoder, level = zapcore.NewJSONEncoder(cfg), zap.InfoLevel
	}
	sink := zapcore.AddSync(os.Stdout)
	if rotator := fileRotator(flagSet); rotator != nil {
		sink = zap.CombineWriteSyncers(sink, zapcore.AddSync(rotator))
	}
	logger = zap.New(zapcore.NewCore(encoder, sink, level))
}

func fileRotator(flagSet *pflag.FlagSet) *lumberjack.Logger {
	if !flagSet.Changed(flagPath) {
		return nil
	}
	rotator := new(lumberjack.Logger)
	rotator.Filename, _ = flagSet.GetString(flagPath)
	rotator.MaxSize, _ = flagSet.GetInt(flagMaxSize)
	rotator.MaxAge, _ = flagSet.GetInt(flagMaxAge)
	rotator.MaxBackups, _ = flagSet.GetInt(flagMaxBackups)
	return rotator
}

// RedactDBURL masks credentials in a database URL before it is logged. MySQL
// URLs wrap a driver DSN which is not a valid URL.
func RedactDBURL(rawURL string) string {
	if dsn, ok := strings.CutPrefix(rawURL, "mysql://"); ok {
		parsed, err := mysql.ParseDSN(dsn)
		if err != nil {
			return rawURL
		}
		parsed.User = mask(parsed.User)
		parsed.Passwd = mask(parsed.Passwd)
		return "mysql://" + parsed.FormatDSN()
	}
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.User == nil {
		return rawURL
	}
	password, _ := parsed.User.Password()
	parsed.User = url.UserPassword(mask(parsed.User.Username()), mask(password))
	return parsed.String()
}

func mask(s string) string {
	return strings.Repeat("x", len(s))
}

// GetErrorHandler routes opentelemetry failures to the logger.
func GetErrorHandler() otel.ErrorHandler {
	return otel.ErrorHandlerFunc(func(err error) {
		Logger().Error("opentelemetry failure", zap.Error(err))
	})
}
