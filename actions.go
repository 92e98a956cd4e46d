package fnhost

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"

	"pkt.systems/fnhost/internal/binding"
	"pkt.systems/fnhost/internal/queue"
)

// ErrConfiguredFailure is returned by functions declared with the fail action.
var ErrConfiguredFailure = errors.New("fnhost: function configured to fail")

// outputParameter is the argument name of the output queue binding used by
// the forward and exec actions.
const outputParameter = "out"

// builtinFunction turns a FunctionConfig into a QueueFunction running one of
// the built-in actions.
func (h *Host) builtinFunction(fc FunctionConfig) (QueueFunction, error) {
	fn := QueueFunction{
		Name:            fc.Name,
		Queue:           fc.Queue,
		Timeout:         fc.Timeout,
		Singleton:       fc.Singleton,
		BatchSize:       fc.BatchSize,
		MaxDequeueCount: fc.MaxDequeueCount,
	}
	if fc.OutputQueue != "" {
		fn.Inputs = append(fn.Inputs, Parameter{
			Name:  outputParameter,
			Tag:   binding.TagQueueOutput,
			Attrs: map[string]string{"queue": fc.OutputQueue},
		})
	}
	switch fc.Action {
	case ActionLog:
		fn.Body = logAction
	case ActionForward:
		fn.Body = forwardAction
	case ActionExec:
		fn.Body = execAction(fc.Command, h.cfg.MaxMessageBytes)
	case ActionFail:
		fn.Body = func(context.Context, *InvocationContext) error { return ErrConfiguredFailure }
	default:
		return QueueFunction{}, fmt.Errorf("fnhost: function %s: unknown action %q", fc.Name, fc.Action)
	}
	return fn, nil
}

func triggerMessage(ic *InvocationContext) (*queue.Message, error) {
	v, ok := ic.Arg(TriggerParameter)
	if !ok {
		return nil, fmt.Errorf("fnhost: trigger argument missing")
	}
	msg, ok := v.(*queue.Message)
	if !ok {
		return nil, fmt.Errorf("fnhost: trigger argument is %T", v)
	}
	return msg, nil
}

func outputQueue(ic *InvocationContext) *QueueOutput {
	v, ok := ic.Arg(outputParameter)
	if !ok {
		return nil
	}
	out, _ := v.(*QueueOutput)
	return out
}

func logAction(_ context.Context, ic *InvocationContext) error {
	msg, err := triggerMessage(ic)
	if err != nil {
		return err
	}
	ic.Logger.Info("function.message",
		"message_id", msg.ID,
		"dequeue_count", msg.DequeueCount,
		"size", humanize.IBytes(uint64(len(msg.Body))),
		"body", string(msg.Body),
	)
	if out := outputQueue(ic); out != nil {
		out.Add(msg.Body)
	}
	return nil
}

func forwardAction(_ context.Context, ic *InvocationContext) error {
	msg, err := triggerMessage(ic)
	if err != nil {
		return err
	}
	out := outputQueue(ic)
	if out == nil {
		return fmt.Errorf("fnhost: forward without output queue")
	}
	out.Add(msg.Body)
	return nil
}

// limitedBuffer keeps at most limit bytes and reports whether it overflowed.
type limitedBuffer struct {
	buf      bytes.Buffer
	limit    int64
	overflow bool
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	room := b.limit - int64(b.buf.Len())
	if int64(len(p)) > room {
		b.overflow = true
		if room > 0 {
			b.buf.Write(p[:room])
		}
		return len(p), nil
	}
	return b.buf.Write(p)
}

// execAction runs argv with the message body on stdin. Stdout becomes an
// output message when an output queue is bound.
func execAction(argv []string, maxOutput int64) Body {
	return func(ctx context.Context, ic *InvocationContext) error {
		msg, err := triggerMessage(ic)
		if err != nil {
			return err
		}
		cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
		cmd.Stdin = bytes.NewReader(msg.Body)
		cmd.Env = append(os.Environ(),
			"FNHOST_FUNCTION="+ic.FunctionName,
			"FNHOST_INVOCATION_ID="+ic.InstanceID,
			"FNHOST_PARENT_ID="+ic.ParentID,
			"FNHOST_MESSAGE_ID="+msg.ID,
			"FNHOST_DEQUEUE_COUNT="+strconv.Itoa(msg.DequeueCount),
		)
		stdout := &limitedBuffer{limit: maxOutput}
		var stderr bytes.Buffer
		cmd.Stdout = stdout
		cmd.Stderr = &stderr
		runErr := cmd.Run()
		if s := strings.TrimSpace(stderr.String()); s != "" {
			ic.Logger.Debug("function.exec.stderr", "stderr", s)
		}
		if runErr != nil {
			return fmt.Errorf("fnhost: exec %s: %w", argv[0], runErr)
		}
		if stdout.overflow {
			return fmt.Errorf("fnhost: exec %s: output exceeds %s", argv[0], humanize.IBytes(uint64(maxOutput)))
		}
		if out := outputQueue(ic); out != nil && stdout.buf.Len() > 0 {
			out.Add(stdout.buf.Bytes())
		}
		return nil
	}
}
