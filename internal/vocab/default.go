package vocab

import (
	"time"

	"github.com/BTreeMap/BookingPipe/internal/models"
)

// DefaultTenantID names the built-in vocabulary used when a tenant has no file of its own.
const DefaultTenantID = "default"

// Default returns a fresh, uncompiled copy of the built-in pt-BR booking vocabulary.
func Default(tenantID string) *Vocabulary {
	return &Vocabulary{
		TenantID: tenantID,
		Domain:   "beauty",
		Commands: map[string]models.BusinessIntent{
			"cancelar":  models.IntentCancel,
			"menu":      models.IntentGreeting,
			"oi":        models.IntentGreeting,
			"ola":       models.IntentGreeting,
			"agendar":   models.IntentBooking,
			"remarcar":  models.IntentReschedule,
			"precos":    models.IntentPricing,
			"servicos":  models.IntentServices,
			"endereco":  models.IntentAddress,
			"atendente": models.IntentHandoff,
			"1":         models.IntentAvailability,
			"2":         models.IntentMyAppointments,
			"3":         models.IntentCancel,
			"4":         models.IntentReschedule,
			"5":         models.IntentHandoff,
		},
		Dictionary: []DictionaryEntry{
			{Phrase: "quero agendar", Intent: models.IntentBooking, Confidence: 0.95},
			{Phrase: "quero marcar", Intent: models.IntentBooking, Confidence: 0.95},
			{Phrase: "quero remarcar", Intent: models.IntentReschedule, Confidence: 0.95},
			{Phrase: "quero cancelar", Intent: models.IntentCancel, Confidence: 0.95},
			{Phrase: "quanto custa", Intent: models.IntentPricing, Confidence: 0.9},
			{Phrase: "tabela de precos", Intent: models.IntentPricing, Confidence: 0.95},
			{Phrase: "falar com atendente", Intent: models.IntentHandoff, Confidence: 0.95},
			{Phrase: "numero errado", Intent: models.IntentWrongNumber, Confidence: 0.95},
			{Phrase: "meus agendamentos", Intent: models.IntentMyAppointments, Confidence: 0.95},
			{Phrase: "horario de funcionamento", Intent: models.IntentBusinessHours, Confidence: 0.95},
			{Phrase: "forma de pagamento", Intent: models.IntentPayments, Confidence: 0.9},
			{Phrase: "deixa pra la", Intent: models.IntentAbandonFlow, Confidence: 0.9},
			{Phrase: "bom dia", Intent: models.IntentGreeting, Confidence: 0.9},
			{Phrase: "boa tarde", Intent: models.IntentGreeting, Confidence: 0.9},
			{Phrase: "boa noite", Intent: models.IntentGreeting, Confidence: 0.9},
		},
		Patterns: []PatternEntry{
			{Name: "test_message", Pattern: `^(teste|ping|health ?check)$`, Intent: models.IntentTestMessage, Confidence: 0.85},
			{Name: "wrong_number", Pattern: `(nao sou (seu |sua )?cliente|mensagem (por )?engano|numero errado|\bengano\b)`, Intent: models.IntentWrongNumber, Confidence: 0.8},
			{Name: "abandon_flow", Pattern: `\b(deixa pra la|esquece|nao quero mais|desisto)\b`, Intent: models.IntentAbandonFlow, Confidence: 0.8},
			{Name: "noshow_followup", Pattern: `\b(nao consegui ir|faltei|perdi (a|o|minha|meu) (consulta|sessao|horario))\b`, Intent: models.IntentNoShowFollowup, Confidence: 0.75},
			{Name: "my_appointments", Pattern: `\b(meus agendamentos|minhas consultas|meus horarios|proximo agendamento)\b`, Intent: models.IntentMyAppointments, Confidence: 0.8},
			{Name: "business_hours", Pattern: `\b(horario de funcionamento|que horas (abre|fecha)|abre (no|aos) (sabado|domingo))\b`, Intent: models.IntentBusinessHours, Confidence: 0.8},
			{Name: "cancel", Pattern: `\b(cancelar|cancela|desmarcar)\b`, Intent: models.IntentCancel, Confidence: 0.85},
			{Name: "reschedule", Pattern: `\b(remarcar|reagendar|(trocar|mudar) (o |de )?horario)\b`, Intent: models.IntentReschedule, Confidence: 0.85},
			{Name: "modify_appointment", Pattern: `\b(alterar|mudar) (o |meu )?(agendamento|servico)\b`, Intent: models.IntentModifyAppointment, Confidence: 0.75},
			{Name: "handoff", Pattern: `\b(atendente|humano|falar com (um |uma )?(pessoa|atendente))\b`, Intent: models.IntentHandoff, Confidence: 0.8},
			{Name: "booking", Pattern: `\b(agendar|marcar|reservar|quero (um )?horario)\b`, Intent: models.IntentBooking, Confidence: 0.8},
			{Name: "pricing", Pattern: `\b(precos?|valor(es)?|quanto (custa|fica|e))\b`, Intent: models.IntentPricing, Confidence: 0.8},
			{Name: "services", Pattern: `\b(servicos?|catalogo|o que voces fazem)\b`, Intent: models.IntentServices, Confidence: 0.75},
			{Name: "availability", Pattern: `\b(disponibilidade|quando posso|tem (alguma )?vaga|horarios? (livres?|disponive(l|is)))\b`, Intent: models.IntentAvailability, Confidence: 0.75},
			{Name: "address", Pattern: `\b(endereco|onde fica|localizacao|como chegar)\b`, Intent: models.IntentAddress, Confidence: 0.8},
			{Name: "payments", Pattern: `\b(pagamento|pix|cartao|dinheiro|parcel(a|ar))\b`, Intent: models.IntentPayments, Confidence: 0.75},
			{Name: "policies", Pattern: `\b(politica|no-?show|regras)\b`, Intent: models.IntentPolicies, Confidence: 0.7},
			{Name: "greeting", Pattern: `^(oi+|ola|opa|bom dia|boa tarde|boa noite|e ai)\b`, Intent: models.IntentGreeting, Confidence: 0.8},
			{Name: "confirm", Pattern: `^(sim|s|ok|okay|pode ser|confirmo|confirmado|confirmar|isso|fechado|certo|claro|perfeito|aceito)\b`, Intent: models.IntentConfirm, Confidence: 0.85},
			{Name: "deny", Pattern: `^(nao|n|negativo|agora nao|prefiro nao|recuso)\b`, Intent: models.IntentDeny, Confidence: 0.8},
			{Name: "dates", Pattern: `\b(\d{1,2}[/.-]\d{1,2}([/.-]\d{2,4})?|\d{1,2}(h|:\d{2})\d{0,2}|amanha|hoje|segunda|terca|quarta|quinta|sexta|sabado|domingo)\b`, Intent: models.IntentSlotSelection, Confidence: 0.7},
		},
		IntentFlows: map[models.BusinessIntent]models.FlowType{
			models.IntentGreeting:          models.FlowGreeting,
			models.IntentServices:          models.FlowPricing,
			models.IntentPricing:           models.FlowPricing,
			models.IntentAvailability:      models.FlowBooking,
			models.IntentBooking:           models.FlowBooking,
			models.IntentSlotSelection:     models.FlowBooking,
			models.IntentReschedule:        models.FlowReschedule,
			models.IntentModifyAppointment: models.FlowReschedule,
			models.IntentNoShowFollowup:    models.FlowReschedule,
			models.IntentCancel:            models.FlowCancel,
			models.IntentMyAppointments:    models.FlowInstitutional,
			models.IntentAddress:           models.FlowInstitutional,
			models.IntentPayments:          models.FlowInstitutional,
			models.IntentBusinessHours:     models.FlowInstitutional,
			models.IntentPolicies:          models.FlowInstitutional,
			models.IntentHandoff:           models.FlowHandoff,
			models.IntentWrongNumber:       models.FlowGeneral,
			models.IntentTestMessage:       models.FlowGeneral,
			models.IntentAbandonFlow:       models.FlowGeneral,
			models.IntentConfirm:           models.FlowGeneral,
			models.IntentDeny:              models.FlowGeneral,
			models.IntentGeneral:           models.FlowGeneral,
		},
		Interrupts: []Interrupt{
			{Intent: models.IntentCancel, Effect: EffectAbort, Priority: models.PriorityHigh},
			{Intent: models.IntentWrongNumber, Effect: EffectAbort, Priority: models.PriorityHigh},
			{Intent: models.IntentAbandonFlow, Effect: EffectAbort, Priority: models.PriorityHigh},
			{Intent: models.IntentHandoff, Effect: EffectSuspend, Priority: models.PriorityHigh},
		},
		Responses: defaultResponses(),
		Policy: Policy{
			LockTTL: map[models.Priority]time.Duration{
				models.PriorityHigh:   30 * time.Minute,
				models.PriorityMedium: 20 * time.Minute,
				models.PriorityLow:    10 * time.Minute,
			},
		},
	}
}

func defaultResponses() map[string]string {
	return map[string]string{
		"default":                              "Desculpe, não entendi. Digite *menu* para ver as opções.",
		"fallback.clarify":                     "Não entendi bem. Você pode escolher: 1 Horários, 2 Meus agendamentos, 3 Cancelar, 4 Remarcar, 5 Falar com atendente.",
		"greeting.complete":                    "Olá! Como posso ajudar? 1 Horários, 2 Meus agendamentos, 3 Cancelar, 4 Remarcar, 5 Falar com atendente.",
		"general.complete":                     "Certo! Se precisar de algo, digite *menu*.",
		"general.complete.wrong_number":        "Desculpe o incômodo! Não enviaremos mais mensagens.",
		"general.complete.test_message":        "Recebido ✅",
		"booking.collect_service":              "Qual serviço você gostaria de agendar?",
		"booking.collect_service.pricing":      "Posso te passar os valores de cada serviço. Qual serviço você gostaria de agendar?",
		"booking.collect_datetime":             "Qual dia e horário ficam melhores para você?",
		"booking.confirm":                      "Posso confirmar seu agendamento?",
		"booking.complete":                     "Agendamento confirmado! Até lá.",
		"reschedule.select_time_slot":          "Para qual dia e horário você quer remarcar?",
		"reschedule.confirm":                   "Posso confirmar a remarcação?",
		"reschedule.complete":                  "Remarcação confirmada!",
		"cancel.complete":                      "Tudo bem, cancelado. Posso ajudar com mais alguma coisa?",
		"pricing.show_prices":                  "Aqui estão nossos valores. Quer agendar algum serviço?",
		"pricing.complete":                     "Qualquer dúvida, é só chamar.",
		"institutional.complete":               "Aqui estão as informações solicitadas.",
		"handoff.complete":                     "Vou te transferir para um atendente. Aguarde um instante.",
		"onboarding.collect_data":              "Antes de começarmos, preciso de alguns dados.",
		"onboarding.complete":                  "Cadastro concluído, obrigado!",
		"returning_user.consent":               "Que bom te ver de novo! Podemos atualizar seu cadastro rapidinho?",
		"returning_user.complete":              "Tudo certo! Como posso ajudar?",
		"onboarding.clarification":             "Parece que estamos com dificuldade. Quer continuar o cadastro? (sim/não)",
		"returning_user.clarification":         "Parece que estamos com dificuldade. Quer continuar a atualização? (sim/não)",
		"collection.need_name":                 "Qual é o seu nome?",
		"collection.need_email":                "Qual é o seu e-mail?",
		"collection.need_gender_confirmation":  "Como você se identifica? (masculino, feminino ou outro)",
		"collection.ask_optional_data_consent": "Gostaria de informar data de nascimento e endereço? (sim/não)",
		"collection.need_birth_date":           "Qual é a sua data de nascimento? (dd/mm/aaaa)",
		"collection.need_address":              "Qual é o seu endereço?",
		"collection.retry":                     "Não consegui entender. Pode repetir?",
		"collection.clarification":             "Parece que estamos com dificuldade. Quer continuar o cadastro?",
		"disambiguation":                       "Estamos no meio de outro atendimento. Vamos concluir ele primeiro?",
		"interrupt.cancel":                     "Tudo bem, cancelei o que estávamos fazendo.",
		"interrupt.wrong_number":               "Desculpe o incômodo! Não enviaremos mais mensagens.",
		"interrupt.abandon_flow":               "Sem problemas, deixamos para depois.",
		"timeout.warning":                      "Você ainda está aí? Responda *sim* para continuar de onde paramos.",
		"timeout.resumed":                      "Ótimo, vamos continuar!",
		"timeout.abandoned":                    "Como não tivemos resposta, encerrei o atendimento anterior.",
	}
}
