package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"codeCollab/backend/internal/session"
	"codeCollab/backend/internal/wire"
)

var errUsage = errors.New("usage")

// runCommand 执行一行输入，返回是否退出
func runCommand(ctx context.Context, s *session.Session, line string, out io.Writer) (bool, error) {
	if !strings.HasPrefix(line, ":") {
		s.InsertText(s.Len(), line+"\n")
		return false, nil
	}
	cmd, rest, _ := strings.Cut(line, " ")
	switch cmd {
	case ":quit", ":q":
		return true, nil
	case ":open":
		switch rest {
		case "":
			_, err := s.OpenSession(ctx)
			return false, err
		case "full":
			_, err := s.OpenSessionWith(ctx, true)
			return false, err
		}
		return false, fmt.Errorf("%w: :open [full]", errUsage)
	case ":close":
		_, err := s.CloseSession(ctx)
		return false, err
	case ":full":
		switch rest {
		case "on":
			_, err := s.SetFullScreen(ctx, true)
			return false, err
		case "off":
			_, err := s.SetFullScreen(ctx, false)
			return false, err
		}
		return false, fmt.Errorf("%w: :full on|off", errUsage)
	case ":lang":
		l, err := wire.ParseLanguage(rest)
		if err != nil {
			return false, err
		}
		return false, s.SetLanguage(l)
	case ":ins":
		posStr, text, ok := strings.Cut(rest, " ")
		pos, err := strconv.Atoi(posStr)
		if !ok || err != nil {
			return false, fmt.Errorf("%w: :ins <pos> <text>", errUsage)
		}
		s.InsertText(pos, unescape(text))
		return false, nil
	case ":del":
		pos, n, err := twoInts(rest)
		if err != nil {
			return false, fmt.Errorf("%w: :del <pos> <len>", errUsage)
		}
		s.DeleteRange(pos, n)
		return false, nil
	case ":cursor":
		anchor, head, err := twoInts(rest)
		if err != nil {
			return false, fmt.Errorf("%w: :cursor <anchor> <head>", errUsage)
		}
		s.SetCursor(anchor, head)
		return false, nil
	case ":peers":
		fmt.Fprintf(out, "%s\n", peerNames(s.Peers()))
		return false, nil
	case ":text":
		fmt.Fprintf(out, "%s\n", s.Text())
		return false, nil
	case ":state":
		fmt.Fprintf(out, "status=%s control=%s language=%s\n", s.Status(), s.ControlState(), s.Language())
		return false, nil
	}
	return false, fmt.Errorf("%w: unknown command %s", errUsage, cmd)
}

func twoInts(s string) (int, int, error) {
	a, b, ok := strings.Cut(strings.TrimSpace(s), " ")
	if !ok {
		return 0, 0, errUsage
	}
	x, err := strconv.Atoi(a)
	if err != nil {
		return 0, 0, err
	}
	y, err := strconv.Atoi(strings.TrimSpace(b))
	if err != nil {
		return 0, 0, err
	}
	return x, y, nil
}

// unescape 命令行里用 \n 表示换行
func unescape(s string) string {
	return strings.NewReplacer(`\n`, "\n", `\t`, "\t").Replace(s)
}
