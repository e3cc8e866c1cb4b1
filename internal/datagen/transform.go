package datagen

import (
	"fmt"

	"github.com/pavelanni/modeluniversity/internal/bank"
	"github.com/pavelanni/modeluniversity/internal/model"
)

const transformInstruction = "Answer the following question and add an explanation in the format 'ANSWER. My explanation: EXPLANATION': "

// Conversation turns a training record into a system/user/assistant sample.
func Conversation(studentRole string, rec model.QuestionRecord) model.Conversation {
	return model.Conversation{Messages: []model.ChatMessage{
		{Role: "system", Content: studentRole},
		{Role: "user", Content: transformInstruction + rec.Question},
		{Role: "assistant", Content: rec.Answer + ". My explanation: " + rec.Explanation},
	}}
}

// Transform converts the training bank at in into conversations saved at
// out and returns how many were written.
func Transform(studentRole, in, out string) (int, error) {
	records, err := bank.ReadQuestions(in)
	if err != nil {
		return 0, err
	}
	convs := make([]model.Conversation, len(records))
	for i, rec := range records {
		convs[i] = Conversation(studentRole, rec)
	}
	if err := bank.WriteConversations(out, convs); err != nil {
		return 0, fmt.Errorf("save trainable data: %w", err)
	}
	return len(convs), nil
}
