package bot

import (
	"fmt"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/shopspring/decimal"
)

// Plan описывает тариф: срок в днях и цену в рублях.
type Plan struct {
	Days  int
	Price decimal.Decimal
	Title string
}

var Plans = []Plan{
	{Days: 7, Price: decimal.NewFromInt(49), Title: "7 дней"},
	{Days: 30, Price: decimal.NewFromInt(199), Title: "30 дней"},
	{Days: 180, Price: decimal.NewFromInt(999), Title: "180 дней"},
	{Days: 365, Price: decimal.NewFromInt(1899), Title: "365 дней"},
}

const planPrefix = "buy_plan_"

func PlanByDays(days int) (Plan, bool) {
	for _, p := range Plans {
		if p.Days == days {
			return p, true
		}
	}
	return Plan{}, false
}

func planFromCallback(data string) (Plan, bool) {
	if !strings.HasPrefix(data, planPrefix) {
		return Plan{}, false
	}
	days, err := strconv.Atoi(strings.TrimPrefix(data, planPrefix))
	if err != nil {
		return Plan{}, false
	}
	return PlanByDays(days)
}

func PlansKeyboard() tgbotapi.InlineKeyboardMarkup {
	var rows [][]tgbotapi.InlineKeyboardButton
	for _, p := range Plans {
		label := fmt.Sprintf("%s, %s₽", p.Title, p.Price.String())
		rows = append(rows, tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData(label, planPrefix+strconv.Itoa(p.Days)),
		))
	}
	return tgbotapi.NewInlineKeyboardMarkup(rows...)
}

func GetReplyKeyboard(isAdmin bool) tgbotapi.ReplyKeyboardMarkup {
	if isAdmin {
		return tgbotapi.NewReplyKeyboard(
			tgbotapi.NewKeyboardButtonRow(
				tgbotapi.NewKeyboardButton("/admin_stats"),
				tgbotapi.NewKeyboardButton("/admin_payments"),
				tgbotapi.NewKeyboardButton("/admin_reconcile"),
			),
			tgbotapi.NewKeyboardButtonRow(
				tgbotapi.NewKeyboardButton("/admin_backup"),
				tgbotapi.NewKeyboardButton("/status"),
			),
		)
	}
	return tgbotapi.NewReplyKeyboard(
		tgbotapi.NewKeyboardButtonRow(
			tgbotapi.NewKeyboardButton("/buy"),
			tgbotapi.NewKeyboardButton("/trial"),
		),
		tgbotapi.NewKeyboardButtonRow(
			tgbotapi.NewKeyboardButton("/status"),
			tgbotapi.NewKeyboardButton("/getkey"),
		),
	)
}
