package telegram

import (
	"fmt"
	"html"
	"strings"

	"defectmaster/internal/app"
	"defectmaster/pkg/domain"
	"defectmaster/pkg/store"
)

const helpText = `<b>Как пользоваться ботом</b>

1. /new — укажите объект и место съёмки (например, «ЖК Ривер, кв. 17, санузел»).
2. Отправьте фото со стройки — я найду дефекты, оценю критичность и сошлюсь на нормы.
3. Все дефекты попадают в вашу Google-таблицу: /table.

Команды:
/new — новый объект или помещение
/balance — остаток анализов и покупка пакетов
/table — ссылка на вашу таблицу дефектов
/help — эта справка

Списание: 1 анализ за фото с дефектами. Нерелевантные фото и фото без замечаний — бесплатно.`

func escape(s string) string {
	return html.EscapeString(s)
}

// severityIcon picks the marker used in the result message.
func severityIcon(s domain.Severity) string {
	switch s {
	case domain.SeverityCritical:
		return "🔴"
	case domain.SeveritySignificant:
		return "🟡"
	default:
		return "🟢"
	}
}

// formatAnalysis renders one submission outcome as an HTML message.
func formatAnalysis(res app.SubmitResult) string {
	var b strings.Builder
	switch res.Result.Verdict {
	case domain.VerdictIrrelevant:
		b.WriteString("🤔 Это не похоже на стройку.\n\n")
		if res.Result.Joke != "" {
			b.WriteString("<i>" + html.EscapeString(res.Result.Joke) + "</i>\n\n")
		}
		b.WriteString("Анализ не списан. Пришлите фото строительного объекта.")
	case domain.VerdictNoDefects:
		b.WriteString("✅ <b>Дефектов не обнаружено.</b>\n\n")
		if res.Result.ExpertSummary != "" {
			b.WriteString(html.EscapeString(res.Result.ExpertSummary) + "\n\n")
		}
		b.WriteString("Анализ не списан.")
	default:
		fmt.Fprintf(&b, "🔍 <b>Найдено дефектов: %d</b>\n\n", len(res.Result.Findings))
		for i, f := range res.Result.Findings {
			fmt.Fprintf(&b, "%d. %s <b>%s</b>\n", i+1, severityIcon(f.Criticality), html.EscapeString(f.Defect))
			if f.Location != "" {
				fmt.Fprintf(&b, "📍 %s\n", html.EscapeString(f.Location))
			}
			fmt.Fprintf(&b, "⚠️ Критичность: %s\n", html.EscapeString(string(f.Criticality)))
			if f.Cause != "" {
				fmt.Fprintf(&b, "Причина: %s\n", html.EscapeString(f.Cause))
			}
			if f.Norm != "" {
				fmt.Fprintf(&b, "📖 Норма: %s\n", html.EscapeString(f.Norm))
			}
			if f.Recommendation != "" {
				fmt.Fprintf(&b, "🔧 %s\n", html.EscapeString(f.Recommendation))
			}
			b.WriteString("\n")
		}
		if res.Result.ExpertSummary != "" {
			fmt.Fprintf(&b, "📋 <b>Заключение:</b> %s\n\n", html.EscapeString(res.Result.ExpertSummary))
		}
		if res.SpreadsheetURL != "" {
			fmt.Fprintf(&b, "📊 <a href=\"%s\">Таблица дефектов</a>\n", res.SpreadsheetURL)
		}
		fmt.Fprintf(&b, "💰 Остаток: %d", res.NewBalance)
	}
	return b.String()
}

// formatBalance renders /balance.
func formatBalance(user domain.User, packages []domain.CreditPackage) string {
	var b strings.Builder
	fmt.Fprintf(&b, "💰 <b>Ваш баланс: %d анализов</b>\n\n", user.Balance)
	if len(packages) > 0 {
		b.WriteString("Пакеты:\n")
		for _, p := range packages {
			fmt.Fprintf(&b, "• %s — %d анализов за %d ₽\n", html.EscapeString(p.Title), p.Credits, p.Price)
		}
		b.WriteString("\nВыберите пакет кнопкой ниже или пригласите коллегу и получите бонус.")
	}
	return b.String()
}

// formatStats renders the operator /stats reply.
func formatStats(stats store.Stats) string {
	var b strings.Builder
	b.WriteString("📈 <b>Статистика</b>\n\n")
	fmt.Fprintf(&b, "Пользователей: %d\n", stats.Users)
	fmt.Fprintf(&b, "Анализов: %d (платных: %d)\n", stats.Analyses, stats.ChargedAnalyses)
	fmt.Fprintf(&b, "Оплат: %d\n", stats.ConfirmedPayments)
	fmt.Fprintf(&b, "Продано анализов: %d", stats.CreditsSold)
	return b.String()
}

// formatStart renders the /start greeting.
func formatStart(res app.RegisterResult) string {
	var b strings.Builder
	b.WriteString("👷 <b>ДефектМастер</b> — ИИ-помощник строительного контроля.\n\n")
	if res.Created {
		fmt.Fprintf(&b, "Вам начислено %d бесплатных анализов", res.User.Balance)
		if res.InvitedBonus > 0 {
			fmt.Fprintf(&b, " (включая +%d за приглашение)", res.InvitedBonus)
		}
		b.WriteString(".\n\n")
	} else {
		fmt.Fprintf(&b, "С возвращением! Остаток: %d анализов.\n\n", res.User.Balance)
	}
	b.WriteString("Начните с команды /new — укажите объект, затем отправьте фото.")
	return b.String()
}
