package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"

	"github.com/Tyrowin/chatrelay/internal/client"
	"github.com/Tyrowin/chatrelay/internal/protocol"
)

var (
	peerColor   = color.New(color.FgCyan)
	senderColor = color.New(color.FgGreen, color.Bold)
	noticeColor = color.New(color.FgYellow)
	errorColor  = color.New(color.FgRed)
)

func main() {
	addr := flag.String("addr", "127.0.0.1:8080", "chat relay address")
	name := flag.String("name", "", "sender name attached to every message")
	legacy := flag.Bool("legacy", false, "send plain \"sender: content\" lines instead of JSON")
	flag.Parse()

	color.NoColor = !isatty.IsTerminal(os.Stdout.Fd()) && !isatty.IsCygwinTerminal(os.Stdout.Fd())

	if *name == "" {
		*name = defaultName()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *addr, *name, *legacy); err != nil {
		errorColor.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, addr, name string, legacy bool) error {
	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	c, err := client.Dial(dialCtx, addr)
	cancel()
	if err != nil {
		return err
	}
	defer c.Close()

	noticeColor.Printf("connected to %s as %s (%s)\n", addr, name, c.LocalAddr())

	done := make(chan error, 1)
	go func() { done <- receive(ctx, c) }()
	go func() {
		if err := send(c, os.Stdin, name, legacy); err != nil {
			errorColor.Fprintln(os.Stderr, err)
		}
		// Stdin closed: keep printing until the server or the user ends it.
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-done:
		if err == nil || errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
			noticeColor.Println("connection closed by server")
			return nil
		}
		return err
	}
}

func send(c *client.Client, in io.Reader, name string, legacy bool) error {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}

		var err error
		if legacy {
			err = c.SendLine(name + ": " + text)
		} else {
			err = c.Send(protocol.ChatMessage{Sender: name, Content: text})
		}
		if err != nil {
			return fmt.Errorf("send: %w", err)
		}
	}
	return scanner.Err()
}

func receive(ctx context.Context, c *client.Client) error {
	for {
		b, err := c.Receive(ctx)
		if err != nil {
			if errors.Is(err, protocol.ErrMalformedMessage) {
				errorColor.Fprintf(os.Stderr, "unreadable broadcast: %v\n", err)
				continue
			}
			return err
		}
		peerColor.Printf("[%s] ", b.Peer)
		senderColor.Printf("%s", b.Message.Sender)
		fmt.Printf(": %s\n", b.Message.Content)
	}
}

func defaultName() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "anonymous"
}
