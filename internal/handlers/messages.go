package handlers

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"telegram-mood-diary/internal/models"
	"telegram-mood-diary/internal/notify"
)

const (
	txtInternalError = "Что-то пошло не так, попробуй ещё раз позже."
	txtNothingToDo   = "Сейчас ничего не ожидается."
	txtCancelled     = "Отменено."
	txtSaved         = "Сохранено!"
	txtNoteFallback  = "Спасибо, записал."
	txtSavedNoNote   = "Записал без заметки."
	txtPollsOff      = "Опросы выключены. Включить снова можно в /settings."
	txtDeleted       = "Все данные удалены. Чтобы начать заново, отправь /start."
	txtNoAnswers     = "Пока нет ни одного ответа."
	txtUnknown       = "Не понимаю. Команды: /settings, /postpone, /stats, /stop, /delete."
	txtWelcome       = "Привет! Я буду время от времени спрашивать, как настроение. " +
		"Настроить интервалы и тихие часы можно в /settings."

	menuSettings = "Настройки"
	menuStats    = "Статистика"
	menuPostpone = "Отложить опрос"
)

func mainMenu(chatID int64) tgbotapi.MessageConfig {
	kb := tgbotapi.NewReplyKeyboard(
		tgbotapi.NewKeyboardButtonRow(
			tgbotapi.NewKeyboardButton(menuSettings),
			tgbotapi.NewKeyboardButton(menuStats),
		),
		tgbotapi.NewKeyboardButtonRow(
			tgbotapi.NewKeyboardButton(menuPostpone),
		),
	)
	msg := tgbotapi.NewMessage(chatID, txtWelcome)
	msg.ReplyMarkup = kb
	return msg
}

func settingsMenu(u *models.User) notify.Payload {
	toggle := "Выключить опросы"
	if !u.PollsEnabled {
		toggle = "Включить опросы"
	}
	reminder := "по умолчанию"
	if u.ReminderWindow > 0 {
		reminder = fmt.Sprintf("%d мин", u.ReminderWindow)
	}
	text := fmt.Sprintf("Настройки:\n"+
		"• будни: каждые %d мин\n"+
		"• выходные: каждые %d мин\n"+
		"• тихие часы: %s–%s\n"+
		"• напоминание: %s\n"+
		"• часовой пояс: %s",
		u.WeekdayInterval, u.WeekendInterval, u.QuietStart, u.QuietEnd, reminder, u.TZ)

	return notify.Payload{
		Text: text,
		Buttons: [][]notify.Button{
			{{Text: "Интервал в будни", Data: notify.CbSetWeekday}},
			{{Text: "Интервал в выходные", Data: notify.CbSetWeekend}},
			{{Text: "Тихие часы", Data: notify.CbSetQuiet}},
			{{Text: "Окно напоминания", Data: notify.CbSetReminder}},
			{{Text: "Часовой пояс", Data: notify.CbSetTZ}},
			{{Text: toggle, Data: notify.CbTogglePolls}},
		},
	}
}

func cancelRow() []notify.Button {
	return []notify.Button{{Text: "Отмена", Data: notify.CbCancel}}
}

// statePrompt is what the user sees when entering (or resuming) a state.
func statePrompt(st models.State) notify.Payload {
	var text string
	switch st.Tag() {
	case models.StateWaitNote:
		return notify.Payload{
			Text: fmt.Sprintf("Записал %s. Хочешь добавить пару слов? Напиши текст или /skip.", st.Arg()),
			Buttons: [][]notify.Button{
				{{Text: "Без заметки", Data: notify.CbSkipNote}},
			},
		}
	case models.StateWaitWeekday:
		text = "Через сколько минут спрашивать в будни? (15–1440)"
	case models.StateWaitWeekend:
		text = "Через сколько минут спрашивать в выходные? (15–1440)"
	case models.StateWaitQuiet:
		text = "Тихие часы в формате HH:MM-HH:MM, например 23:00-07:00."
	case models.StateWaitReminder:
		text = "Через сколько минут напомнить о незаконченном диалоге? (1–240)"
	case models.StateWaitTZ:
		text = "Часовой пояс в формате IANA, например Europe/Moscow."
	default:
		return notify.Text(txtNothingToDo)
	}
	return notify.Payload{Text: text, Buttons: [][]notify.Button{cancelRow()}}
}

func formatStats(answers []models.PollAnswer, loc *time.Location) string {
	if len(answers) == 0 {
		return txtNoAnswers
	}
	var (
		b   strings.Builder
		sum int
	)
	b.WriteString("Последние ответы:\n")
	for _, a := range answers {
		sum += a.Mood
		b.WriteString(time.Unix(a.AnsweredAt, 0).In(loc).Format("02.01 15:04"))
		b.WriteString(" - ")
		b.WriteString(strconv.Itoa(a.Mood))
		if a.Note != "" {
			b.WriteString(": ")
			b.WriteString(a.Note)
		}
		b.WriteByte('\n')
	}
	fmt.Fprintf(&b, "Среднее: %.1f", float64(sum)/float64(len(answers)))
	return b.String()
}

func formatWhen(t time.Time, loc *time.Location) string {
	return t.In(loc).Format("02.01 15:04")
}
