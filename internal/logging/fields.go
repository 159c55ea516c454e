package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// RequestFields 提供路由、模式与缓存状态字段，供代理请求日志复用。
func RequestFields(route, domain, mode, state, requestID string) logrus.Fields {
	return logrus.Fields{
		"route":      route,
		"domain":     domain,
		"mode":       mode,
		"state":      state,
		"request_id": requestID,
	}
}

// EngineFields 描述一个引擎的容量配置，用于启动与维护日志。
func EngineFields(name string, dictSize, dataSize int, root string) logrus.Fields {
	fields := logrus.Fields{
		"engine":    name,
		"dict_size": dictSize,
		"data_size": dataSize,
		"disk":      root != "",
	}
	if root != "" {
		fields["disk_root"] = root
	}
	return fields
}
