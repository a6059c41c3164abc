package gateway

import (
	"fmt"
	"strings"
)

const (
	personaClause = "Eres el asistente de una consultoría fiscal y legal en España. " +
		"Respondes dudas de particulares, autónomos y pequeñas empresas sobre impuestos, Hacienda, " +
		"contratos, herencias, laboral y derecho civil. Sé claro y prudente, no inventes normativa " +
		"y recuerda que tu respuesta es orientativa y no sustituye el asesoramiento profesional."

	escalationClause = "Es la última pregunta gratuita del usuario. Al final de tu respuesta invítale con " +
		"amabilidad a hablar con uno de nuestros expertos humanos para revisar su caso en detalle."

	contractClause = "Responde EXCLUSIVAMENTE con un único objeto JSON con exactamente dos campos: " +
		`{"content": "<respuesta en markdown>", "severity": "low|elevated|critical"}. ` +
		`Usa "low" para consultas generales o informativas, "elevated" para planificación o casos complejos ` +
		`y "critical" para situaciones urgentes o actuaciones adversas (requerimientos, sanciones, embargos). ` +
		"No añadas texto fuera del objeto JSON."
)

// Instruction is the system prompt prepended to every ask.
type Instruction struct {
	QuotaRemaining     int
	IsLastFreeQuestion bool
}

// InstructionFor builds the instruction for the questionIndex-th question of
// a session with the given free quota.
func InstructionFor(questionIndex, quota int) Instruction {
	remaining := quota - questionIndex
	if remaining < 0 {
		remaining = 0
	}
	return Instruction{
		QuotaRemaining:     remaining,
		IsLastFreeQuestion: questionIndex >= quota,
	}
}

func (in Instruction) String() string {
	var b strings.Builder
	b.WriteString(personaClause)
	b.WriteString("\n\n")
	switch in.QuotaRemaining {
	case 0:
		b.WriteString("Al usuario no le quedan preguntas gratuitas después de esta.")
	case 1:
		b.WriteString("Al usuario le queda 1 pregunta gratuita después de esta.")
	default:
		fmt.Fprintf(&b, "Al usuario le quedan %d preguntas gratuitas después de esta.", in.QuotaRemaining)
	}
	if in.IsLastFreeQuestion {
		b.WriteString("\n")
		b.WriteString(escalationClause)
	}
	b.WriteString("\n\n")
	b.WriteString(contractClause)
	return b.String()
}
