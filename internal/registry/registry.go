// Package registry 维护"工具目录"：引擎启动时一次性注册全部可执行动作，
// 请求期间只读。目录是理解模块（转换为模型的 function-calling schema）、
// Guardian（危险分类与确认标记）与 Dispatcher（处理器查找）共同的事实来源。
package registry

import (
	"errors"
	"fmt"
	"sort"

	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/schema"
)

// ErrUnknownTool 表示工具名不在目录中。
// 出现在派发阶段时属于部署不一致（目录与注册表脱节），按致命缺陷处理。
var ErrUnknownTool = errors.New("tool not registered")

// Danger 为工具的静态危险分类。
type Danger string

const (
	DangerSafe      Danger = "safe"
	DangerCaution   Danger = "caution"
	DangerDangerous Danger = "dangerous"
)

// ParamSpec 描述一个工具参数。
type ParamSpec struct {
	Type schema.DataType
	// Elem 为数组元素类型；仅 Type 为 Array 时有意义。
	Elem schema.DataType
	Desc string
	// Required 为 true 时缺失即判定为"格式错误的提议"，绝不猜测补全。
	Required bool
	// Default 为可选参数缺省值；Required=true 时忽略。
	Default interface{}
}

// Entry 为目录中的一个工具条目。
type Entry struct {
	Name string
	Desc string
	// Params 为参数名到规格的映射。
	Params map[string]*ParamSpec
	// RequiresConfirmation 为 true 时无论参数如何都要求用户确认。
	RequiresConfirmation bool
	Danger               Danger
	// Handler 为实际执行器；遵循 eino 的 InvokableTool 约定（JSON 入参，字符串出参）。
	Handler tool.InvokableTool
}

// ConfidenceScores 为理解模块给出的三个决策维度置信度（0~1）。
type ConfidenceScores struct {
	Intent float64 `json:"intent"`
	Params float64 `json:"params"`
	Safety float64 `json:"safety"`
}

// ToolCall 为一次提议/批准的工具调用。只在一轮之内存活，审计之外不持久化。
type ToolCall struct {
	Name       string                 `json:"name"`
	Params     map[string]interface{} `json:"params"`
	Confidence ConfidenceScores       `json:"confidence"`
}

type Registry struct {
	entries map[string]*Entry
}

func New() *Registry {
	return &Registry{entries: make(map[string]*Entry)}
}

func (r *Registry) Register(e *Entry) error {
	if r == nil {
		return errors.New("registry is nil")
	}
	if e == nil || e.Name == "" {
		return errors.New("entry name is required")
	}
	if e.Handler == nil {
		return fmt.Errorf("tool %s: handler is required", e.Name)
	}
	if _, ok := r.entries[e.Name]; ok {
		return fmt.Errorf("tool %s: already registered", e.Name)
	}
	if e.Danger == "" {
		e.Danger = DangerSafe
	}
	r.entries[e.Name] = e
	return nil
}

func (r *Registry) Get(name string) (*Entry, bool) {
	if r == nil {
		return nil, false
	}
	e, ok := r.entries[name]
	return e, ok
}

func (r *Registry) Names() []string {
	if r == nil {
		return nil
	}
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ToolInfos 把目录转换为模型侧的 function-calling schema。
// 以目录中的参数规格为准，不询问 Handler（目录才是决策的事实来源）。
func (r *Registry) ToolInfos() []*schema.ToolInfo {
	if r == nil {
		return nil
	}

	infos := make([]*schema.ToolInfo, 0, len(r.entries))
	for _, name := range r.Names() {
		e := r.entries[name]
		params := make(map[string]*schema.ParameterInfo, len(e.Params))
		for pname, spec := range e.Params {
			info := &schema.ParameterInfo{
				Desc:     spec.Desc,
				Type:     spec.Type,
				Required: spec.Required,
			}
			if spec.Type == schema.Array {
				elem := spec.Elem
				if elem == "" {
					elem = schema.String
				}
				info.ElemInfo = &schema.ParameterInfo{Type: elem}
			}
			params[pname] = info
		}
		infos = append(infos, &schema.ToolInfo{
			Name:        e.Name,
			Desc:        e.Desc,
			ParamsOneOf: schema.NewParamsOneOfByParams(params),
		})
	}
	return infos
}

// ValidateParams 校验一次提议的参数并返回补全缺省值后的副本。
//
//   - 工具不存在 → ErrUnknownTool。
//   - 必填参数缺失 → 错误，绝不猜测（由调用方转为 NoAction 路径）。
//   - 可选参数缺失 → 填入缺省值（如有）。
//   - 目录未声明的多余参数 → 丢弃。
func (r *Registry) ValidateParams(name string, params map[string]interface{}) (map[string]interface{}, error) {
	if r == nil {
		return nil, errors.New("registry is nil")
	}
	e, ok := r.entries[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}

	out := make(map[string]interface{}, len(e.Params))
	for pname, spec := range e.Params {
		v, present := params[pname]
		if present && v != nil {
			out[pname] = v
			continue
		}
		if spec.Required {
			return nil, fmt.Errorf("tool %s: missing required parameter %q", name, pname)
		}
		if spec.Default != nil {
			out[pname] = spec.Default
		}
	}
	return out, nil
}
