package jobqueue

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/GriffinCanCode/backbone/internal/infrastructure/logging"
	"github.com/bytedance/sonic"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// DeadLetter records a job that will not be retried
type DeadLetter struct {
	// EntryID is the record's position in the dead-letter stream
	EntryID      string         `json:"-"`
	JobID        string         `json:"jobId"`
	Queue        string         `json:"queue"`
	Name         string         `json:"name"`
	Data         map[string]any `json:"data"`
	Error        string         `json:"error"`
	AttemptsMade int            `json:"attempts"`
	// MaxAttempts and Backoff are the policy the job was enqueued with
	MaxAttempts int       `json:"maxAttempts"`
	Backoff     Backoff   `json:"backoff"`
	FailedAt    time.Time `json:"failedAt"`
}

func newDeadLetter(job *Job, err error, now time.Time) DeadLetter {
	return DeadLetter{
		JobID:        job.ID,
		Queue:        job.Queue,
		Name:         job.Name,
		Data:         job.Data,
		Error:        err.Error(),
		AttemptsMade: job.AttemptsMade,
		MaxAttempts:  job.MaxAttempts,
		Backoff:      job.Backoff,
		FailedAt:     now,
	}
}

func encodeDeadLetter(d DeadLetter) (string, error) {
	data, err := sonic.MarshalString(d)
	if err != nil {
		return "", fmt.Errorf("encode dead letter %s: %w", d.JobID, err)
	}
	return data, nil
}

func decodeDeadLetter(entryID, raw string) (DeadLetter, error) {
	var d DeadLetter
	if err := sonic.UnmarshalString(raw, &d); err != nil {
		return DeadLetter{}, fmt.Errorf("decode dead letter %s: %w", entryID, err)
	}
	d.EntryID = entryID
	return d, nil
}

// DLQLog appends one JSON line per dead-lettered job
type DLQLog struct {
	logger *zap.Logger
	closer io.Closer
}

// OpenDLQLog appends to the file at path, creating it if needed
func OpenDLQLog(path string) (*DLQLog, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open dlq log: %w", err)
	}
	log := NewDLQLog(f)
	log.closer = f
	return log, nil
}

// NewDLQLog writes records to w
func NewDLQLog(w io.Writer) *DLQLog {
	cfg := logging.JSONEncoderConfig()
	cfg.LevelKey = zapcore.OmitKey
	cfg.NameKey = zapcore.OmitKey
	cfg.CallerKey = zapcore.OmitKey
	cfg.MessageKey = zapcore.OmitKey
	cfg.StacktraceKey = zapcore.OmitKey

	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(cfg),
		zapcore.Lock(zapcore.AddSync(w)),
		zapcore.InfoLevel,
	)
	return &DLQLog{logger: zap.New(core)}
}

// Write appends d
func (l *DLQLog) Write(d DeadLetter) {
	if l == nil {
		return
	}
	l.logger.Info("",
		zap.String("jobId", d.JobID),
		zap.String("queue", d.Queue),
		zap.String("name", d.Name),
		zap.Any("data", d.Data),
		zap.String("error", d.Error),
		zap.Int("attempts", d.AttemptsMade),
	)
}

// Close flushes and closes the underlying file, if any
func (l *DLQLog) Close() error {
	if l == nil {
		return nil
	}
	_ = l.logger.Sync()
	if l.closer != nil {
		return l.closer.Close()
	}
	return nil
}
