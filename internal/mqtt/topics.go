package mqtt

import (
	"fmt"

	"github.com/vermut/amc2mqtt/internal/amc"
	"github.com/vermut/amc2mqtt/internal/util"
)

type Topics struct {
	prefix string
}

func NewTopics(prefix string) *Topics {
	return &Topics{prefix: prefix}
}

func (t *Topics) Status() string {
	return fmt.Sprintf("%s/status", t.prefix)
}

func (t *Topics) Config() string {
	return fmt.Sprintf("%s/config", t.prefix)
}

func (t *Topics) Group(e amc.Entry) string {
	return fmt.Sprintf("%s/group/%s", t.prefix, util.Slugify(e.Name))
}

func (t *Topics) GroupCommand(e amc.Entry) string {
	return fmt.Sprintf("%s/group/%s/command", t.prefix, util.Slugify(e.Name))
}

func (t *Topics) Area(e amc.Entry) string {
	return fmt.Sprintf("%s/area/%s", t.prefix, util.Slugify(e.Name))
}

func (t *Topics) AreaCommand(e amc.Entry) string {
	return fmt.Sprintf("%s/area/%s/command", t.prefix, util.Slugify(e.Name))
}

func (t *Topics) Zone(e amc.Entry) string {
	return fmt.Sprintf("%s/zone/%s", t.prefix, util.Slugify(e.Name))
}

func (t *Topics) Output(e amc.Entry) string {
	return fmt.Sprintf("%s/output/%s", t.prefix, util.Slugify(e.Name))
}

func (t *Topics) OutputCommand(e amc.Entry) string {
	return fmt.Sprintf("%s/output/%s/command", t.prefix, util.Slugify(e.Name))
}

func (t *Topics) SystemStatus(e amc.Entry) string {
	return fmt.Sprintf("%s/system/%s", t.prefix, util.Slugify(e.Name))
}

func (t *Topics) Diagnostics() string {
	return fmt.Sprintf("%s/diagnostics", t.prefix)
}

func (t *Topics) DiagnosticsGet() string {
	return fmt.Sprintf("%s/diagnostics/get", t.prefix)
}
