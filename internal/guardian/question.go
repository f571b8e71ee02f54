package guardian

import "fmt"

// ConfirmationQuestion 按工具名与参数确定性生成确认问题。
// 同一调用必然得到同一问题，幂等重放与测试都依赖这一点。
func ConfirmationQuestion(tool string, params map[string]interface{}) string {
	switch tool {
	case "delete_goals":
		return "全てのゴールを削除します。よろしいですか？"
	case "delete_goal":
		return "ゴールを削除します。よろしいですか？"
	case "post_message":
		if arr, ok := params["recipients"].([]interface{}); ok && len(arr) > 0 {
			return fmt.Sprintf("%d件の宛先にメッセージを送信します。よろしいですか？", len(arr))
		}
		if arr, ok := params["recipients"].([]string); ok && len(arr) > 0 {
			return fmt.Sprintf("%d件の宛先にメッセージを送信します。よろしいですか？", len(arr))
		}
		return "メッセージを送信します。よろしいですか？"
	case "create_task":
		if title, ok := stringParam(params, "title"); ok {
			return fmt.Sprintf("タスク「%s」を作成します。よろしいですか？", title)
		}
		return "タスクを作成します。よろしいですか？"
	case "complete_task":
		return "タスクを完了にします。よろしいですか？"
	case "set_goal":
		return "ゴールを設定します。よろしいですか？"
	case "generate_report":
		return "レポートを生成します。よろしいですか？"
	default:
		return fmt.Sprintf("%s を実行します。よろしいですか？", tool)
	}
}
