package rsm

import (
	"fmt"

	"github.com/hashicorp/go-hclog"
)

// HCLogAdapter wraps an hclog.Logger so it satisfies this package's Logger
// interface, letting callers already standardized on hclog plug it
// straight into a Config without writing their own shim.
type HCLogAdapter struct {
	hclog.Logger
}

// NewHCLogAdapter wraps l for use as a Config.Logger.
func NewHCLogAdapter(l hclog.Logger) *HCLogAdapter { return &HCLogAdapter{Logger: l} }

func (a *HCLogAdapter) Info(v ...interface{})  { a.Logger.Info(fmt.Sprint(v...)) }
func (a *HCLogAdapter) Warn(v ...interface{})  { a.Logger.Warn(fmt.Sprint(v...)) }
func (a *HCLogAdapter) Error(v ...interface{}) { a.Logger.Error(fmt.Sprint(v...)) }
func (a *HCLogAdapter) Debug(v ...interface{}) { a.Logger.Debug(fmt.Sprint(v...)) }

func (a *HCLogAdapter) Infof(f string, v ...interface{})  { a.Logger.Info(fmt.Sprintf(f, v...)) }
func (a *HCLogAdapter) Warnf(f string, v ...interface{})  { a.Logger.Warn(fmt.Sprintf(f, v...)) }
func (a *HCLogAdapter) Errorf(f string, v ...interface{}) { a.Logger.Error(fmt.Sprintf(f, v...)) }
func (a *HCLogAdapter) Debugf(f string, v ...interface{}) { a.Logger.Debug(fmt.Sprintf(f, v...)) }
