// Command intervox-client runs a practice interview from the terminal using
// the default microphone and speaker.
//
// Questions are read from a text file, one per line. While the session runs,
// type a command and press Enter:
//
//	n   ask the next question
//	s   submit the current answer
//	x   stop the interviewer talking
//	q   quit
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/intervox/pkg/audio/capture"
	"github.com/MrWong99/intervox/pkg/audio/playback"
	"github.com/MrWong99/intervox/pkg/audio/portaudio"
	"github.com/MrWong99/intervox/pkg/client"
	"github.com/MrWong99/intervox/pkg/protocol"
)

// outputRate is the rate of interviewer audio sent by the relay.
const outputRate = 24000

func main() {
	os.Exit(run())
}

func run() int {
	url := flag.String("url", "ws://localhost:8080/ws", "relay WebSocket URL")
	questionsPath := flag.String("questions", "questions.txt", "file with one interview question per line")
	rate := flag.Int("rate", 24000, "microphone sample rate in Hz")
	frames := flag.Int("frames", 1024, "samples per device buffer")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	lvl := slog.LevelInfo
	if *debug {
		lvl = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})))

	questions, err := readQuestions(*questionsPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "intervox-client: %v\n", err)
		return 1
	}

	release, err := portaudio.Init()
	if err != nil {
		fmt.Fprintf(os.Stderr, "intervox-client: %v\n", err)
		return 1
	}
	defer release()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	speaker, err := portaudio.OpenOutput(outputRate, *frames)
	if err != nil {
		slog.Error("failed to open speaker", "err", err)
		return 1
	}
	queue := playback.New(speaker)
	defer queue.Close()

	iv := &interview{questions: questions}
	c, err := client.Dial(ctx, *url, *rate,
		client.WithPlayback(queue),
		client.WithHandler(iv.handler()),
	)
	if err != nil {
		slog.Error("failed to connect to relay", "err", err)
		return 1
	}
	defer c.Close()
	iv.client = c

	mic := capture.New(portaudio.NewInput(*rate, *frames), capture.WithFrameSize(*frames))
	micCtx, stopMic := context.WithCancel(ctx)
	defer stopMic()
	micFrames, err := mic.Start(micCtx)
	if err != nil {
		slog.Error("failed to open microphone", "err", err)
		return 1
	}

	fmt.Printf("connected to %s with %d questions; commands: n(ext) s(ubmit) x(stop AI) q(uit)\n", *url, len(questions))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.Run(gctx) })
	g.Go(func() error { return c.Forward(gctx, micFrames) })
	g.Go(func() error { return iv.commands(gctx, os.Stdin) })

	err = g.Wait()
	stopMic()
	if micErr := mic.Wait(); micErr != nil {
		slog.Warn("microphone stopped", "err", micErr)
	}
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, errQuit) {
		slog.Error("session ended", "err", err)
		return 1
	}
	fmt.Printf("session ended; %d audio chunks were held back while the interviewer spoke\n", c.Dropped())
	return 0
}

var errQuit = errors.New("quit")

// interview tracks question progress for the terminal UI.
type interview struct {
	client    *client.Client
	questions []string

	mu   sync.Mutex
	next int
}

func (iv *interview) handler() client.Handler {
	return client.Handler{
		Ready: func() { fmt.Println("[ready] type n to hear the first question") },
		UserSpeaking: func(on bool) {
			if on {
				fmt.Println("[listening]")
			}
		},
		UserTranscript: func(text string, final bool) {
			if final {
				fmt.Printf("you: %s\n", text)
			}
		},
		AIResponseDone: func(text string, followups int) {
			fmt.Printf("interviewer: %s (follow-ups: %d)\n", text, followups)
		},
		AIInterrupted: func() { fmt.Println("[interviewer interrupted]") },
		AutoAdvance: func(reason string) {
			fmt.Printf("[moving on: %s]\n", reason)
			go iv.ask(context.Background())
		},
		TurnClosed: func(turnID, reason string) {
			fmt.Printf("[answer saved: %s, %s]\n", turnID, reason)
		},
		AnswerFeedback: func(turnID string, fb protocol.Feedback) {
			fmt.Printf("[feedback %s] score %d/10: %s\n", turnID, fb.Score, fb.Summary)
			for _, s := range fb.Strengths {
				fmt.Printf("  + %s\n", s)
			}
			for _, s := range fb.Improvements {
				fmt.Printf("  - %s\n", s)
			}
		},
		Error: func(msg string) { fmt.Printf("[error] %s\n", msg) },
	}
}

// ask poses the next question, if any remain.
func (iv *interview) ask(ctx context.Context) {
	iv.mu.Lock()
	if iv.next >= len(iv.questions) {
		iv.mu.Unlock()
		fmt.Println("[no more questions; press q to quit]")
		return
	}
	q := iv.questions[iv.next]
	iv.next++
	n := iv.next
	iv.mu.Unlock()

	fmt.Printf("[question %d/%d]\n", n, len(iv.questions))
	if err := iv.client.StartQuestion(ctx, q); err != nil {
		slog.Warn("start_question failed", "err", err)
	}
}

func (iv *interview) commands(ctx context.Context, in *os.File) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			lines <- strings.TrimSpace(sc.Text())
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				return errQuit
			}
			var err error
			switch line {
			case "n":
				iv.ask(ctx)
			case "s":
				err = iv.client.SubmitAnswer(ctx, "")
			case "x":
				err = iv.client.StopAI(ctx)
			case "q":
				return errQuit
			case "":
			default:
				fmt.Println("commands: n s x q")
			}
			if err != nil {
				return err
			}
		}
	}
}

func readQuestions(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read questions: %w", err)
	}
	var out []string
	for line := range strings.Lines(string(data)) {
		if q := strings.TrimSpace(line); q != "" && !strings.HasPrefix(q, "#") {
			out = append(out, q)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("read questions: %s has no questions", path)
	}
	return out, nil
}
