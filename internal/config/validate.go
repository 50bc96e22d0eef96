package config

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/robfig/cron/v3"
)

// CronParser is the five-field parser shared by validation and the trigger.
var CronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("cronspec", func(fl validator.FieldLevel) bool {
		_, err := CronParser.Parse(fl.Field().String())
		return err == nil
	})
	_ = v.RegisterValidation("listenaddr", func(fl validator.FieldLevel) bool {
		return validListenAddr(fl.Field().String())
	})
	return v
}

// validListenAddr accepts host:port with an empty host and port 0 allowed,
// as net.Listen does.
func validListenAddr(addr string) bool {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	n, err := strconv.Atoi(port)
	return err == nil && n >= 0 && n <= 65535
}

// Validate checks field constraints and returns one error listing every
// violation.
func (c Config) Validate() error {
	var msgs []string
	if err := newValidator().Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return fmt.Errorf("validate config: %w", err)
		}
		for _, fe := range verrs {
			if fe.Param() != "" {
				msgs = append(msgs, fmt.Sprintf("%s: failed %s=%s", fe.Namespace(), fe.Tag(), fe.Param()))
			} else {
				msgs = append(msgs, fmt.Sprintf("%s: failed %s", fe.Namespace(), fe.Tag()))
			}
		}
	}
	// a lease must outlive every attempt made under it
	budget := c.Worker.Timeout.Std() * time.Duration(c.Worker.MaxAttempts)
	if c.Queue.VisibilityTimeout.Std() > 0 && budget > c.Queue.VisibilityTimeout.Std() {
		msgs = append(msgs, fmt.Sprintf("Config.Queue.VisibilityTimeout: %s is shorter than worker timeout x attempts (%s)",
			c.Queue.VisibilityTimeout, budget))
	}
	if len(msgs) == 0 {
		return nil
	}
	return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
}
