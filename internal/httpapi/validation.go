package httpapi

import (
	"errors"
	"regexp"

	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
)

// phonePattern accepts E.164 numbers: country code, area code, subscriber.
var phonePattern = regexp.MustCompile(`^\+\d{1,3}\d{2}\d{8,9}$`)

func validatePhone(fl validator.FieldLevel) bool {
	return phonePattern.MatchString(fl.Field().String())
}

// RegisterValidators adds the custom tags used by request bodies to gin's
// validator. It must run before the router serves requests.
func RegisterValidators() error {
	v, ok := binding.Validator.Engine().(*validator.Validate)
	if !ok {
		return errors.New("httpapi: unexpected validator engine")
	}
	return v.RegisterValidation("phone", validatePhone)
}

// validationMessage flattens binding errors into a single client message.
func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return "invalid json"
	}
	msg := ""
	for i, fe := range verrs {
		if i > 0 {
			msg += "; "
		}
		msg += fe.Field() + " failed " + fe.Tag()
	}
	return msg
}
