/*
Copyright 2024 Stepwise Contributors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package session

import "github.com/stepwisehq/stepwise/lib/browser"

// Event is delivered to the connected client through the session's
// bounded event channel. The gateway translates each variant into its
// wire message.
type Event interface {
	sessionEvent()
}

// StateEvent reports a status or location change.
type StateEvent struct {
	Status Status
	URL    string
	Title  string
	Reason string
}

// StepNewEvent reports a newly recorded step.
type StepNewEvent struct {
	Step Step
}

// StepUpdatedEvent reports an edit to an existing step.
type StepUpdatedEvent struct {
	Step Step
}

// StepDeletedEvent reports a removed step. Remaining indexes are
// compacted; clients re-derive them from order.
type StepDeletedEvent struct {
	StepID string
	Index  int
}

// CdpErrorEvent reports a failed driver operation.
type CdpErrorEvent struct {
	Op      string
	Code    string
	Message string
}

// UnhealthyEvent reports the browser failing its health probes.
type UnhealthyEvent struct {
	Status browser.HealthStatus
}

// ElementHoverEvent describes the element under an input interaction,
// letting the client preview what a step would target.
type ElementHoverEvent struct {
	X       int
	Y       int
	Element *browser.Element
}

func (StateEvent) sessionEvent()        {}
func (StepNewEvent) sessionEvent()      {}
func (StepUpdatedEvent) sessionEvent()  {}
func (StepDeletedEvent) sessionEvent()  {}
func (CdpErrorEvent) sessionEvent()     {}
func (UnhealthyEvent) sessionEvent()    {}
func (ElementHoverEvent) sessionEvent() {}
