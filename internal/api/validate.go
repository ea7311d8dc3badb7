package api

import (
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"

	"campusattend/internal/attendance"
	"campusattend/internal/streams"
)

var validatorsOnce sync.Once

// registerValidators adds the domain rules to gin's binding engine.
func registerValidators() {
	validatorsOnce.Do(func() {
		v, ok := binding.Validator.Engine().(*validator.Validate)
		if !ok {
			return
		}
		v.RegisterTagNameFunc(func(f reflect.StructField) string {
			name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
			if name == "-" || name == "" {
				return f.Name
			}
			return name
		})
		_ = v.RegisterValidation("parentphone", func(fl validator.FieldLevel) bool {
			s := fl.Field().String()
			if strings.TrimSpace(s) == "" {
				return true
			}
			_, err := attendance.ParsePhone(s)
			return err == nil
		})
		_ = v.RegisterValidation("language", func(fl validator.FieldLevel) bool {
			_, err := streams.ParseLanguage(fl.Field().String())
			return err == nil
		})
		_ = v.RegisterValidation("isodate", func(fl validator.FieldLevel) bool {
			_, err := attendance.ParseDate(fl.Field().String())
			return err == nil
		})
	})
}

var ruleMessages = map[string]string{
	"required":    "is required",
	"parentphone": "must be a 10 digit Indian mobile number",
	"language":    "must be one of KANNADA, HINDI, SANSKRIT, TAMIL, TELUGU, URDU, ADDITIONAL_ENGLISH",
	"isodate":     "must be a YYYY-MM-DD date",
	"email":       "must be an email address",
}

// bind decodes the JSON body into dst, answering 400 on failure.
func bind(c *gin.Context, dst any) bool {
	err := c.ShouldBindJSON(dst)
	if err == nil {
		return true
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		msg, ok := ruleMessages[fe.Tag()]
		if !ok {
			msg = fmt.Sprintf("failed %s %s", fe.Tag(), fe.Param())
		}
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"error":   "VALIDATION_ERROR",
			"field":   fe.Field(),
			"message": fe.Field() + " " + strings.TrimSpace(msg),
		})
		return false
	}
	c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "INVALID_BODY", "message": err.Error()})
	return false
}
