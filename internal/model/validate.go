package model

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// ValidateTask checks the task's required fields for its type
func ValidateTask(task *Task) error {
	if task == nil {
		return fmt.Errorf("%w: task is nil", ErrValidation)
	}

	if err := validate.Struct(task); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fmt.Sprintf("%s (%s)", fe.Field(), fe.Tag()))
			}
			return fmt.Errorf("%w: invalid fields: %s", ErrValidation, strings.Join(fields, ", "))
		}
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}

	switch task.Type {
	case TaskTypePostContent:
		if task.Content == "" && len(task.MediaURLs) == 0 {
			return fmt.Errorf("%w: post_content requires content or media", ErrValidation)
		}
	case TaskTypeSchedulePost:
		if task.Content == "" {
			return fmt.Errorf("%w: schedule_post requires content", ErrValidation)
		}
		if task.ScheduleAt == nil || !task.ScheduleAt.After(time.Now()) {
			return fmt.Errorf("%w: schedule_post requires a future schedule time", ErrValidation)
		}
	case TaskTypeDeletePost, TaskTypeAnalyzeMetrics:
		if task.PostID == "" {
			return fmt.Errorf("%w: %s requires post_id", ErrValidation, task.Type)
		}
	case TaskTypeGenerateContent, TaskTypeGenerateImage:
		if task.Prompt == "" && task.Content == "" {
			return fmt.Errorf("%w: %s requires a prompt", ErrValidation, task.Type)
		}
	}

	return nil
}
