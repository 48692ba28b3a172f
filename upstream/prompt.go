package upstream

import (
	"strings"
)

const systemPrompt = `You are a patient exam-preparation tutor. The student is working on a practice task and asks you a question about it.
Answer the student's question directly, grounded in the task material below. Explain why an answer is right or wrong when relevant,
quote the passage when it helps, and keep the answer concise and encouraging. Do not invent task material that is not given.
Reply in plain text without markdown headings.`

// Prompt é o que vai para o provedor: instrução de sistema e mensagem do usuário.
type Prompt struct {
	System string
	User   string
}

// BuildPrompt monta o prompt a partir do contexto. Campos vazios são omitidos.
func BuildPrompt(c ChatContext) Prompt {
	var b strings.Builder
	section := func(title, body string) {
		body = strings.TrimSpace(body)
		if body == "" {
			return
		}
		b.WriteString("## ")
		b.WriteString(title)
		b.WriteString("\n")
		b.WriteString(body)
		b.WriteString("\n\n")
	}

	section("Section", c.Section)
	section("Task type", c.QuestionType)
	section("Task instruction", c.Instruction)
	section("Reference passage", c.Passage)
	section("Student's response to the task", c.UserResponse)
	if c.PreviousQA != nil {
		section("Previous question from the student", c.PreviousQA.Question)
		section("Your previous answer", c.PreviousQA.Answer)
	}
	section("Student's question", c.UserQuery)

	return Prompt{System: systemPrompt, User: strings.TrimSpace(b.String())}
}
