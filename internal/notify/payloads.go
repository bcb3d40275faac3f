package notify

import "strconv"

// Callback data understood by the handlers.
const (
	CbMoodPrefix  = "mood:"
	CbContinue    = "fsm:continue"
	CbCancel      = "fsm:cancel"
	CbPostpone    = "poll:postpone"
	CbSkipNote    = "note:skip"
	CbSetWeekday  = "set:weekday"
	CbSetWeekend  = "set:weekend"
	CbSetQuiet    = "set:quiet"
	CbSetReminder = "set:reminder"
	CbSetTZ       = "set:tz"
	CbTogglePolls = "set:toggle"
)

var moodLabels = []string{"😞", "🙁", "😐", "🙂", "😄"}

// PollPrompt asks how the user feels right now.
func PollPrompt() Payload {
	row := make([]Button, 0, len(moodLabels))
	for i, label := range moodLabels {
		row = append(row, Button{Text: label, Data: CbMoodPrefix + strconv.Itoa(i+1)})
	}
	return Payload{
		Text: "Как настроение? Оцени от 1 до 5.",
		Buttons: [][]Button{
			row,
			{{Text: "Позже", Data: CbPostpone}},
		},
	}
}

// Nudge reminds a user that a flow is waiting for input.
func Nudge() Payload {
	return Payload{
		Text: "Ты ещё здесь? Я жду ответа.",
		Buttons: [][]Button{{
			{Text: "Продолжить", Data: CbContinue},
			{Text: "Отмена", Data: CbCancel},
		}},
	}
}

// SessionReset tells the user a stalled flow was dropped.
func SessionReset() Payload {
	return Payload{
		Text:   "Диалог сброшен из-за неактивности. Можно начать заново.",
		Silent: true,
	}
}

// Text is a plain message without a keyboard.
func Text(s string) Payload {
	return Payload{Text: s}
}
