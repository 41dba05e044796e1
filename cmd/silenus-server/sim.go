package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/BrandonDHaskell/Silenus/server/internal/httpapi"
	"github.com/BrandonDHaskell/Silenus/server/internal/silenus/store"
	"github.com/BrandonDHaskell/Silenus/server/internal/silenus/tag"
)

// runSimConsole drives simulated readers from line commands:
//
//	present <dispenser> <uid>
//	remove <dispenser>
//	close <dispenser>
//	status <dispenser>
func runSimConsole(ctx context.Context, in io.Reader, out io.Writer, readers map[string]*tag.Scripted, dispensers map[string]httpapi.Dispenser) {
	sc := bufio.NewScanner(in)
	for sc.Scan() {
		if ctx.Err() != nil {
			return
		}
		if msg := simCommand(sc.Text(), readers, dispensers); msg != "" {
			fmt.Fprintln(out, msg)
		}
	}
}

func simCommand(line string, readers map[string]*tag.Scripted, dispensers map[string]httpapi.Dispenser) string {
	f := strings.Fields(line)
	if len(f) == 0 {
		return ""
	}
	if len(f) < 2 {
		return "usage: present|remove|close|status <dispenser> [uid]"
	}
	cmd, id := strings.ToLower(f[0]), f[1]
	reader, ok := readers[id]
	if !ok {
		return fmt.Sprintf("no simulated reader for %q", id)
	}

	switch cmd {
	case "present":
		if len(f) != 3 {
			return "usage: present <dispenser> <uid>"
		}
		uid, err := tag.ParseHexUID(f[2])
		if err != nil {
			return fmt.Sprintf("bad uid: %v", err)
		}
		reader.Present(uid)
		return "presented " + uid
	case "remove":
		reader.Remove()
		return "removed"
	case "close":
		if !dispensers[id].RequestClose(store.CloseManual) {
			return "no open session"
		}
		return "closing"
	case "status":
		s := dispensers[id].Snapshot()
		return fmt.Sprintf("%s valve_open=%t flow=%.1f ml/min poured=%.1f/%.1f ml uid=%s",
			s.State, s.ValveOpen, s.FlowRate, s.ConsumedMl, s.QuotaMl, s.UID)
	}
	return fmt.Sprintf("unknown command %q", cmd)
}
