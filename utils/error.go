package utils

import "errors"

var (
	ErrorRecordNotFound = errors.New("record not found")

	// manuscript lifecycle errors
	ErrorDuplicateId     = errors.New("duplicate id")
	ErrorInvalidState    = errors.New("invalid state for this operation")
	ErrorAlreadyResolved = errors.New("result already recorded")
)

func ErrorPanic(err error) {
	if err != nil {
		panic(err)
	}
}
