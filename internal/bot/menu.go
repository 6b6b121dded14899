package bot

import (
	tele "gopkg.in/telebot.v4"

	"postbot/internal/posting"
)

// Callback data follows the "scope:action" convention so the dispatch
// switch stays greppable.
const (
	cbAdd          = "acct:add"
	cbToggle       = "acct:toggle"
	cbText         = "acct:text"
	cbInterval     = "acct:interval"
	cbDestinations = "acct:dests"
	cbLogout       = "acct:logout"
)

func btn(text, data string) tele.Btn {
	return tele.Btn{Text: text, Data: data}
}

// mainMenu renders the actions applicable to the owner right now: only
// "add account" before authorization, the full configuration set after.
func mainMenu(snap *posting.Snapshot) *tele.ReplyMarkup {
	rm := &tele.ReplyMarkup{}
	if snap == nil {
		rm.Inline(rm.Row(btn("➕ Add account", cbAdd)))
		return rm
	}

	status := "🔴 Stopped"
	if snap.Enabled {
		status = "🟢 Running"
	}
	rm.Inline(
		rm.Row(btn("Status: "+status, cbToggle)),
		rm.Row(btn("📝 Post text", cbText), btn("⏱ Interval", cbInterval)),
		rm.Row(btn("👥 Destinations", cbDestinations)),
		rm.Row(btn("❌ Log out", cbLogout)),
	)
	return rm
}
