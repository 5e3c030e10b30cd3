package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/hrygo/chatsync/plugin/chat"
)

const replHelp = `Commands:
  /new                   start a new chat
  /list                  list saved conversations
  /open <n|id>           open a conversation
  /rename <n|id> <title> rename a conversation
  /delete <n|id>         delete a conversation
  /status                show the sync state of the open conversation
  /stop                  stop the reply being generated
  /model [id]            show or change the model for the next replies
  /quit                  save and exit
Anything else is sent as a message.`

// repl drives a Controller from line-oriented input.
type repl struct {
	ctrl    *chat.Controller
	list    *chat.ListCache
	out     io.Writer
	notices <-chan chat.Notice
	tick    time.Duration

	streaming bool
	epoch     uint64
	replyAt   int
	printed   int
}

func newREPL(ctrl *chat.Controller, list *chat.ListCache, notices <-chan chat.Notice, out io.Writer) *repl {
	return &repl{
		ctrl:    ctrl,
		list:    list,
		out:     out,
		notices: notices,
		tick:    50 * time.Millisecond,
	}
}

// run processes lines until /quit, end of input or an interrupt while idle.
// An interrupt during a reply stops the reply. Lines typed during a reply are
// handled once it ends, except /stop.
func (r *repl) run(ctx context.Context, lines <-chan string, interrupts <-chan os.Signal) {
	ticker := time.NewTicker(r.tick)
	defer ticker.Stop()
	defer r.drainNotices()

	var pending []string
	for {
		for !r.streaming && len(pending) > 0 {
			line := pending[0]
			pending = pending[1:]
			if r.handle(ctx, line) {
				return
			}
		}
		if lines == nil && !r.streaming {
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-interrupts:
			if !r.streaming {
				return
			}
			r.ctrl.Stop()
		case line, ok := <-lines:
			if !ok {
				lines = nil
				continue
			}
			if r.streaming {
				if strings.TrimSpace(line) == "/stop" {
					r.ctrl.Stop()
				} else {
					pending = append(pending, line)
				}
				continue
			}
			if r.handle(ctx, line) {
				return
			}
		case n := <-r.notices:
			r.render()
			r.printNotice(n)
		case <-ticker.C:
			r.render()
		}
	}
}

// handle executes one line and reports whether the loop should end.
func (r *repl) handle(ctx context.Context, line string) bool {
	line = strings.TrimSpace(line)
	if line == "" {
		return false
	}
	if !strings.HasPrefix(line, "/") {
		r.send(line)
		return false
	}

	command, args, _ := strings.Cut(line, " ")
	args = strings.TrimSpace(args)
	switch command {
	case "/quit", "/exit":
		return true
	case "/help":
		fmt.Fprintln(r.out, replHelp)
	case "/new":
		r.ctrl.NewChat()
		fmt.Fprintln(r.out, "started a new chat")
	case "/list":
		r.printList(ctx)
	case "/open":
		id, ok := r.resolve(args)
		if !ok {
			fmt.Fprintln(r.out, "usage: /open <n|id>")
			return false
		}
		if err := r.ctrl.Open(ctx, id); err == nil {
			r.printTranscript()
		}
	case "/rename":
		ref, title, _ := strings.Cut(args, " ")
		id, ok := r.resolve(ref)
		if !ok || strings.TrimSpace(title) == "" {
			fmt.Fprintln(r.out, "usage: /rename <n|id> <title>")
			return false
		}
		r.rename(ctx, id, strings.TrimSpace(title))
	case "/delete":
		id, ok := r.resolve(args)
		if !ok {
			fmt.Fprintln(r.out, "usage: /delete <n|id>")
			return false
		}
		if err := r.ctrl.Delete(ctx, id); err == nil {
			fmt.Fprintf(r.out, "deleted %s\n", id)
		}
	case "/status":
		state, id := r.ctrl.State()
		if id == "" {
			id = "(new chat)"
		}
		fmt.Fprintf(r.out, "%s %s\n", id, state)
	case "/stop":
		r.ctrl.Stop()
	case "/model":
		if args == "" {
			fmt.Fprintf(r.out, "model: %s\n", r.ctrl.Session().Model())
			return false
		}
		r.ctrl.SetModel(args)
		fmt.Fprintf(r.out, "model set to %s\n", args)
	default:
		fmt.Fprintf(r.out, "unknown command %s, try /help\n", command)
	}
	return false
}

func (r *repl) send(content string) {
	snap := r.ctrl.Session().Snapshot()
	if err := r.ctrl.Send(content); err != nil {
		return
	}
	r.streaming = true
	r.epoch = snap.Epoch
	r.replyAt = len(snap.Messages) + 1
	r.printed = 0
	fmt.Fprint(r.out, "assistant> ")
}

// render prints the part of the reply that arrived since the last call.
func (r *repl) render() {
	if !r.streaming {
		return
	}
	snap := r.ctrl.Session().Snapshot()
	if snap.Epoch != r.epoch {
		r.streaming = false
		fmt.Fprintln(r.out)
		return
	}
	if r.replyAt < len(snap.Messages) && snap.Messages[r.replyAt].Role == chat.RoleAssistant {
		reply := snap.Messages[r.replyAt].Content
		if len(reply) > r.printed {
			fmt.Fprint(r.out, reply[r.printed:])
			r.printed = len(reply)
		}
	}
	if !snap.Status.Active() {
		// Let settle listeners queue the save before further input is handled.
		r.ctrl.Session().Wait()
		r.streaming = false
		fmt.Fprintln(r.out)
	}
}

func (r *repl) printNotice(n chat.Notice) {
	fmt.Fprintf(r.out, "! %s failed (%s): %v\n", n.Op, n.Kind, n.Err)
}

func (r *repl) drainNotices() {
	for {
		select {
		case n := <-r.notices:
			r.printNotice(n)
		default:
			return
		}
	}
}

func (r *repl) printList(ctx context.Context) {
	// Include the turn just sent.
	r.ctrl.Flush()
	if err := r.list.Refresh(ctx); err != nil {
		fmt.Fprintf(r.out, "! list failed (%s): %v\n", chat.KindOf(err), err)
	}
	summaries := r.list.Summaries()
	if len(summaries) == 0 {
		fmt.Fprintln(r.out, "no conversations yet")
		return
	}
	for i, s := range summaries {
		fmt.Fprintf(r.out, "%2d. %s  [%s]  %s\n", i+1, s.Title, s.ID, s.LastAccessedAt.Local().Format(time.DateTime))
		if s.Preview != "" && s.Preview != s.Title {
			fmt.Fprintf(r.out, "    %s\n", s.Preview)
		}
	}
}

func (r *repl) printTranscript() {
	snap := r.ctrl.Session().Snapshot()
	fmt.Fprintf(r.out, "opened %s\n", snap.ConversationID)
	for _, m := range snap.Messages {
		fmt.Fprintf(r.out, "%s> %s\n", m.Role, m.Content)
	}
}

func (r *repl) rename(ctx context.Context, id, title string) {
	r.list.BeginRename(id)
	r.list.SetRenameDraft(id, title)
	if err := r.ctrl.Rename(ctx, id, title); err != nil {
		r.list.CancelRename(id)
		return
	}
	r.list.EndRename(id, title)
	fmt.Fprintf(r.out, "renamed %s to %q\n", id, title)
}

// resolve maps a 1-based list position or a raw id to a conversation id.
func (r *repl) resolve(ref string) (string, bool) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", false
	}
	if n, err := strconv.Atoi(ref); err == nil {
		summaries := r.list.Summaries()
		if n < 1 || n > len(summaries) {
			return "", false
		}
		return summaries[n-1].ID, true
	}
	return ref, true
}
