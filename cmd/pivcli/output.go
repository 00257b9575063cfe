package main

import (
	"fmt"
	"os"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"pivcard/piv"
)

var (
	colorHeader = text.Colors{text.FgCyan, text.Bold}
	colorLabel  = text.Colors{text.FgYellow}
	colorValue  = text.Colors{text.FgWhite}
)

func newTable() table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	style := table.StyleRounded
	style.Color.Header = colorHeader
	style.Options.SeparateRows = false
	t.SetStyle(style)
	return t
}

func printTokenSummary(tok *piv.Token) {
	fmt.Println()
	t := newTable()
	t.SetTitle("PIV TOKEN")
	t.SetColumnConfigs([]table.ColumnConfig{
		{Number: 1, Colors: colorLabel, WidthMin: 18},
		{Number: 2, Colors: colorValue, WidthMin: 40},
	})
	t.AppendRow(table.Row{"Reader", tok.Reader})
	t.AppendRow(table.Row{"GUID", fmt.Sprintf("%X", tok.GUID)})
	t.AppendRow(table.Row{"Has CHUID", tok.HasCHUID})
	t.AppendRow(table.Row{"Signed CHUID", tok.HasSignedCHUID})
	t.AppendRow(table.Row{"Supports VCI", tok.HasVCI})
	if tok.IsYK {
		t.AppendRow(table.Row{"YubiKey version", fmt.Sprintf("%d.%d.%d", tok.YKVersion[0], tok.YKVersion[1], tok.YKVersion[2])})
		if tok.YKHasSerial {
			t.AppendRow(table.Row{"YubiKey serial", tok.YKSerial})
		}
	}
	t.Render()
}

func printSlots(tok *piv.Token) {
	fmt.Println()
	t := newTable()
	t.SetTitle("CERTIFICATE SLOTS")
	t.AppendHeader(table.Row{"Slot", "Algorithm", "Subject"})
	for s, ok := tok.SlotNext(0); ok; s, ok = tok.SlotNext(s.ID) {
		subject := ""
		if s.Certificate != nil {
			subject = s.Certificate.Subject.String()
		}
		t.AppendRow(table.Row{fmt.Sprintf("%02X", byte(s.ID)), s.Algorithm.String(), subject})
	}
	t.Render()
}
