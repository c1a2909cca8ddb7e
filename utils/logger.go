package utils

import (
	"io"
	"os"
	"time"

	"github.com/sirupsen/logrus"
)

// logger はアプリケーション共通のロガーです
var logger = logrus.New()

// init関数はパッケージがインポートされたときに自動的に実行されます
func init() {
	logger.SetOutput(os.Stdout)
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006/01/02 15:04:05",
	})
}

// SetLevel はログレベルを文字列で設定します
func SetLevel(level string) error {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return err
	}
	logger.SetLevel(lvl)
	return nil
}

// SetOutput はログの出力先を変更します (テスト用)
func SetOutput(w io.Writer) {
	logger.SetOutput(w)
}

// WithFields はフィールド付きのエントリを返します
func WithFields(fields logrus.Fields) *logrus.Entry {
	return logger.WithFields(fields)
}

// LogInfo は情報レベルのメッセージをログに記録します
func LogInfo(format string, v ...interface{}) {
	logger.Infof(format, v...)
}

// LogWarn は警告レベルのメッセージをログに記録します
func LogWarn(format string, v ...interface{}) {
	logger.Warnf(format, v...)
}

// LogError はエラーレベルのメッセージをログに記録します
func LogError(format string, v ...interface{}) {
	logger.Errorf(format, v...)
}

// LogDebug はデバッグレベルのメッセージをログに記録します
func LogDebug(format string, v ...interface{}) {
	logger.Debugf(format, v...)
}

// TrackTime は関数の実行時間を計測して出力するユーティリティです
func TrackTime(start time.Time, name string) {
	elapsed := time.Since(start)
	logger.WithField("elapsed", elapsed.String()).Infof("%s 完了時間: %s", name, elapsed)
}

// WithRun は実行 ID 付きのエントリを返します
func WithRun(runID string) *logrus.Entry {
	return logger.WithField("run", runID)
}
