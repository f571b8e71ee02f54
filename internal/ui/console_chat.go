package ui

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"
	"github.com/wwwzy/DeskAgent/internal/engine"
)

type ConsoleChatUI struct {
	In  io.Reader
	Out io.Writer
}

func (u *ConsoleChatUI) Run(ctx context.Context, backend ChatBackend, session Session, opts ChatOptions) error {
	in := u.In
	if in == nil {
		return fmt.Errorf("console ui: In is nil")
	}
	out := u.Out
	if out == nil {
		return fmt.Errorf("console ui: Out is nil")
	}

	reader := bufio.NewReader(in)

	fmt.Fprintln(out, "进入 DeskAgent 对话模式。输入 exit/quit 退出。")
	for {
		select {
		case <-ctx.Done():
			fmt.Fprintln(out, "已退出。")
			return nil
		default:
		}

		fmt.Fprint(out, "你: ")
		line, err := reader.ReadString('\n')
		if err != nil {
			if err == io.EOF {
				fmt.Fprintln(out, "已退出。")
				return nil
			}
			return fmt.Errorf("读取输入失败: %w", err)
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		switch strings.ToLower(line) {
		case "exit", "quit":
			fmt.Fprintln(out, "已退出。")
			return nil
		}

		// 每条输入生成一个消息 ID，引擎据此做重放去重
		reply, err := backend.HandleTurn(ctx, engine.TurnRequest{
			OrgID:          session.OrgID,
			ConversationID: session.ConversationID,
			SenderID:       session.SenderID,
			MessageID:      uuid.NewString(),
			Message:        line,
		})
		if err != nil {
			fmt.Fprintf(out, "发生错误：%v\n\n", err)
			continue
		}

		fmt.Fprintf(out, "助手: %s\n", reply.Text)
		if opts.ShowTrace {
			fmt.Fprintf(out, "  (trace: %s)\n", reply.TraceID)
		}
		fmt.Fprintln(out)
	}
}
