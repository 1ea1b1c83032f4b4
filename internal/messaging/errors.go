package messaging

import "errors"

var (
	// ErrValidation: не заполнены обязательные поля или они некорректны
	ErrValidation = errors.New("validation error")

	// ErrNotFound: чат (или получатель) не найден
	ErrNotFound = errors.New("not found")

	// ErrForbidden: пользователь не является участником чата
	ErrForbidden = errors.New("forbidden")

	// ErrInternal: ошибка хранилища на любом шаге операции
	ErrInternal = errors.New("internal error")

	// ErrThreadExists возвращается хранилищем, когда чат для этой пары уже создан
	ErrThreadExists = errors.New("thread already exists")
)
