package worker

import (
	"context"
	"fmt"
	"os/exec"

	"github.com/filthyrake/vlog-coordinator/internal/models"
	"github.com/pkg/errors"
)

// ErrUnitFatal marks an executor failure that retrying cannot fix (bad
// input, unsupported codec). Wrap executor errors with it to make the
// coordinator fail the job terminally.
var ErrUnitFatal = errors.New("unit failed fatally")

// ProgressFunc reports sub-unit progress (e.g. segments done) back to the
// agent, which folds it into the next lease extension.
type ProgressFunc func(completedCount int, percent float64)

// Executor is the execution collaborator: the opaque, resumable,
// checkpoint-reporting transcode engine. It must stop promptly when ctx is
// cancelled, since after a lost lease no further output may be produced.
type Executor interface {
	ProcessUnit(ctx context.Context, grant *models.JobGrant, unit *models.JobUnit, report ProgressFunc) error
}

// CommandExecutor shells out to a configured transcode command once per
// unit. The job context is passed through the environment; the command's
// exit status decides unit success.
type CommandExecutor struct {
	Command string
}

func NewCommandExecutor(command string) *CommandExecutor {
	return &CommandExecutor{Command: command}
}

func (e *CommandExecutor) ProcessUnit(ctx context.Context, grant *models.JobGrant, unit *models.JobUnit, report ProgressFunc) error {
	cmd := exec.CommandContext(ctx, e.Command)
	cmd.Env = append(cmd.Environ(),
		fmt.Sprintf("VLOG_JOB_ID=%s", grant.Job.JobID),
		fmt.Sprintf("VLOG_VIDEO_ID=%s", grant.Video.VideoID),
		fmt.Sprintf("VLOG_INPUT_BUCKET=%s", grant.Video.S3Bucket),
		fmt.Sprintf("VLOG_INPUT_KEY=%s", grant.Video.S3Key),
		fmt.Sprintf("VLOG_UNIT=%s", unit.UnitName),
		fmt.Sprintf("VLOG_ATTEMPT=%d", grant.Job.AttemptNumber),
	)
	out, err := cmd.CombinedOutput()
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("transcode command failed: %v: %s", err, truncateOutput(out))
	}
	report(unit.TotalCount, 100)
	return nil
}

func truncateOutput(out []byte) string {
	const limit = 512
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return string(out)
}
